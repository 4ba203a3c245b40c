package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"paycore/balance"
	"paycore/bridge"
	"paycore/config"
	"paycore/ledger"
	"paycore/observability/logging"
	telemetry "paycore/observability/otel"
	"paycore/payment"
	"paycore/processor"
	"paycore/recon"
	"paycore/server"
	"paycore/store"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to payd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("payd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("PAYD_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("payd", env)

	shutdownTelemetry, err := initTelemetry(cfg, env)
	if err != nil {
		log.Fatalf("payd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn, err := store.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("payd: resolve storage DSN: %v", err)
	}
	st, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("payd: open storage: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	entropy, err := loadEntropy(ctx, st)
	if err != nil {
		log.Fatalf("payd: account entropy: %v", err)
	}

	var rootCA []byte
	if path := strings.TrimSpace(cfg.Ledger.RootCAPath); path != "" {
		rootCA, err = os.ReadFile(path)
		if err != nil {
			log.Fatalf("payd: load ledger root CA: %v", err)
		}
	}

	ledgerClient, err := ledger.NewRPCClient(ledger.Options{
		Endpoint:          cfg.Ledger.Endpoint,
		Entropy:           entropy,
		RootCAPEM:         rootCA,
		CallTimeout:       cfg.Ledger.CallTimeout.Duration,
		SessionMaxAge:     cfg.Ledger.SessionMaxAge.Duration,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
	})
	if err != nil {
		log.Fatalf("payd: ledger client: %v", err)
	}

	reconEngine := recon.NewEngine(st, ledgerClient,
		recon.WithLogger(logger.With("component", "recon")))
	reconSched := recon.NewScheduler(reconEngine,
		recon.WithDebounce(cfg.Recon.Debounce.Duration),
		recon.WithInterval(cfg.Recon.Interval.Duration),
		recon.WithSchedulerLogger(logger.With("component", "recon")))

	tracker := balance.NewTracker(ledgerClient,
		balance.WithCheckInterval(cfg.Balance.CheckInterval.Duration),
		balance.WithMaxAge(cfg.Balance.MaxAge.Duration),
		balance.WithLogger(logger.With("component", "balance")))
	tracker.Subscribe(func(payment.Amount) { reconSched.Request() })
	// Every payment mutation re-checks the balance; a balance change in
	// turn requests reconciliation.
	st.Subscribe(tracker.RequestRefresh)

	msgBridge := bridge.New(st, ledgerClient,
		bridge.NewLogSender(logger.With("component", "bridge")),
		bridge.WithLogger(logger.With("component", "bridge")))

	engine := processor.NewEngine(st, ledgerClient,
		processor.WithNotifier(msgBridge),
		processor.WithRecencyWindow(cfg.Processing.RecencyWindow.Duration),
		processor.WithIndeterminateHook(reconSched.Request),
		processor.WithReplacer(reconEngine.ReplaceAsUnidentified),
		processor.WithLogger(logger.With("component", "processor")))
	sched := processor.NewScheduler(engine, st,
		processor.WithInterval(cfg.Processing.Interval.Duration),
		processor.WithWorkers(cfg.Processing.Workers),
		processor.WithSchedulerLogger(logger.With("component", "processor")))

	srv := server.New(server.Config{
		Store:       st,
		Scheduler:   sched,
		Recon:       reconSched,
		Balance:     tracker,
		Logger:      logger.With("component", "server"),
		BearerToken: cfg.Admin.BearerToken,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runBackground(rootCtx, stop, "processing scheduler", sched.Run)
	go runBackground(rootCtx, stop, "reconciliation scheduler", reconSched.Run)
	go runBackground(rootCtx, stop, "balance tracker", tracker.Run)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("payd listening", slog.String("address", cfg.ListenAddress))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("payd: http server error: %v", err)
		os.Exit(1)
	}
}

func runBackground(ctx context.Context, stop func(), name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("payd: %s exited: %v", name, err)
		stop()
	}
}

func initTelemetry(cfg config.Config, env string) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := telemetry.ParseHeaders(cfg.Telemetry.Headers)
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "payd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
}

// loadEntropy returns the account key entropy, provisioning it from the
// PAYD_ENTROPY environment variable on first run.
func loadEntropy(ctx context.Context, st *store.Store) ([]byte, error) {
	entropy, err := st.Entropy(ctx)
	if err == nil {
		return entropy, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	raw := strings.TrimSpace(os.Getenv("PAYD_ENTROPY"))
	if raw == "" {
		return nil, errors.New("not provisioned; set PAYD_ENTROPY to the hex-encoded account entropy")
	}
	entropy, err = hex.DecodeString(raw)
	if err != nil {
		return nil, errors.New("PAYD_ENTROPY must be hex encoded")
	}
	if err := st.SetEntropy(ctx, entropy); err != nil {
		return nil, err
	}
	return entropy, nil
}
