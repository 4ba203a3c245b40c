// Package config loads the payd runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for payd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	DatabasePath  string           `yaml:"database"`
	Environment   string           `yaml:"environment"`
	Ledger        LedgerConfig     `yaml:"ledger"`
	Processing    ProcessingConfig `yaml:"processing"`
	Recon         ReconConfig      `yaml:"recon"`
	Balance       BalanceConfig    `yaml:"balance"`
	Admin         AdminConfig      `yaml:"admin"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
}

// AdminConfig protects the operator HTTP surface.
type AdminConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// LedgerConfig describes the remote ledger gateway session.
type LedgerConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	RootCAPath        string   `yaml:"root_ca"`
	CallTimeout       Duration `yaml:"call_timeout"`
	SessionMaxAge     Duration `yaml:"session_max_age"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// ProcessingConfig tunes the state machine scheduler.
type ProcessingConfig struct {
	Interval      Duration `yaml:"interval"`
	Workers       int      `yaml:"workers"`
	RecencyWindow Duration `yaml:"recency_window"`
}

// ReconConfig tunes reconciliation debouncing and cadence.
type ReconConfig struct {
	Debounce Duration `yaml:"debounce"`
	Interval Duration `yaml:"interval"`
}

// BalanceConfig tunes the cached balance tracker.
type BalanceConfig struct {
	CheckInterval Duration `yaml:"check_interval"`
	MaxAge        Duration `yaml:"max_age"`
}

// TelemetryConfig wires the OpenTelemetry exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/payd.sqlite"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Ledger.CallTimeout.Duration == 0 {
		cfg.Ledger.CallTimeout.Duration = 30 * time.Second
	}
	if cfg.Ledger.SessionMaxAge.Duration == 0 {
		cfg.Ledger.SessionMaxAge.Duration = 12 * time.Hour
	}
	if cfg.Ledger.RequestsPerSecond <= 0 {
		cfg.Ledger.RequestsPerSecond = 10
	}
	if cfg.Processing.Interval.Duration == 0 {
		cfg.Processing.Interval.Duration = time.Minute
	}
	if cfg.Processing.Workers <= 0 {
		cfg.Processing.Workers = 4
	}
	if cfg.Processing.RecencyWindow.Duration == 0 {
		cfg.Processing.RecencyWindow.Duration = 5 * time.Minute
	}
	if cfg.Recon.Debounce.Duration == 0 {
		cfg.Recon.Debounce.Duration = 5 * time.Second
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = time.Hour
	}
	if cfg.Balance.CheckInterval.Duration == 0 {
		cfg.Balance.CheckInterval.Duration = 5 * time.Minute
	}
	if cfg.Balance.MaxAge.Duration == 0 {
		cfg.Balance.MaxAge.Duration = 4 * time.Hour
	}
}

func validate(cfg Config) error {
	if cfg.Ledger.Endpoint == "" {
		return fmt.Errorf("config: ledger endpoint required")
	}
	if cfg.Processing.RecencyWindow.Duration < time.Minute {
		return fmt.Errorf("config: recency window below one minute is unsafe")
	}
	if cfg.Balance.MaxAge.Duration < cfg.Balance.CheckInterval.Duration {
		return fmt.Errorf("config: balance max age must exceed the check interval")
	}
	return nil
}
