package recon

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler debounces reconciliation requests. Balance changes,
// indeterminate-payment removals, and admin triggers often arrive in
// bursts; one pass a short moment later covers all of them. A periodic
// pass also runs on a fixed cadence so account activity the triggers
// missed still gets reconciled.
type Scheduler struct {
	engine   *Engine
	log      *slog.Logger
	debounce time.Duration
	interval time.Duration
	requests chan struct{}
}

// SchedulerOption customises the scheduler.
type SchedulerOption func(*Scheduler)

// WithDebounce overrides the settle delay before a requested pass runs.
func WithDebounce(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithInterval overrides the cadence of the periodic pass.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger overrides the default logger.
func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// NewScheduler wraps the engine with request debouncing.
func NewScheduler(eng *Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   eng,
		log:      slog.Default().With("component", "recon"),
		debounce: 5 * time.Second,
		interval: time.Hour,
		requests: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request asks for a reconciliation pass. Safe from any goroutine;
// requests made while one is pending coalesce.
func (s *Scheduler) Request() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Force clears the engine's change-detection cursor and requests a
// pass, guaranteeing the next run reconciles in full.
func (s *Scheduler) Force(ctx context.Context) error {
	if err := s.engine.ForceNext(ctx); err != nil {
		return err
	}
	s.Request()
	return nil
}

// Run serves requests and the periodic cadence until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		settle := false
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.requests:
			settle = true
		}

		// Only triggered requests wait for the burst to settle; the
		// periodic pass runs immediately.
		if settle {
			timer := time.NewTimer(s.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := s.engine.Reconcile(ctx); err != nil {
			s.log.Error("reconciliation pass failed", "error", err)
		}
	}
}
