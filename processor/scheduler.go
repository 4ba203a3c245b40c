package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"paycore/ledger"
	"paycore/observability"
	"paycore/payment"
	"paycore/store"
)

// Scheduler drives the engine: it decides which records are due, runs
// them with bounded concurrency, and spaces retries with per-record
// backoff. Only one pass runs at a time; triggers arriving mid-pass
// coalesce into a single follow-up pass.
type Scheduler struct {
	engine  *Engine
	store   *store.Store
	log     *slog.Logger
	metrics *observability.ProcessingMetrics
	tracer  trace.Tracer

	interval time.Duration
	workers  int
	now      func() time.Time

	trigger chan struct{}

	mu      sync.Mutex
	retries map[string]*retryEntry
}

type retryEntry struct {
	backoff Backoff
	dueAt   time.Time
}

// SchedulerOption customises the scheduler instance.
type SchedulerOption func(*Scheduler)

// WithInterval sets the passive re-scan cadence.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWorkers bounds how many records are processed concurrently.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSchedulerClock sets the function used to derive timestamps.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
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

// NewScheduler builds a scheduler over the engine and subscribes it to
// store changes, so every persisted mutation triggers a pass.
func NewScheduler(eng *Engine, st *store.Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   eng,
		store:    st,
		log:      slog.Default().With("component", "scheduler"),
		metrics:  observability.Processing(),
		tracer:   otel.Tracer("paycore/processor"),
		interval: time.Minute,
		workers:  4,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		retries:  make(map[string]*retryEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	st.Subscribe(s.Trigger)
	return s
}

// Trigger requests a processing pass. Safe from any goroutine; requests
// arriving while a pass runs coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run processes until ctx is cancelled. It wakes on triggers, on the
// passive interval, and when the earliest retry comes due.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Trigger()
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger:
		case <-timer.C:
		}
		s.runPass(ctx)

		wait := s.interval
		if due, ok := s.earliestRetry(); ok {
			if until := due.Sub(s.now()); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// RunPass executes one synchronous pass. Exposed for the admin surface.
func (s *Scheduler) RunPass(ctx context.Context) { s.runPass(ctx) }

func (s *Scheduler) runPass(ctx context.Context) {
	enabled, err := s.store.Enabled(ctx)
	if err != nil {
		s.log.Error("check payments switch", "error", err)
		return
	}
	if !enabled {
		return
	}

	start := s.now()
	records, err := s.store.InStates(ctx, payment.StatesToProcess())
	if err != nil {
		s.log.Error("load processable records", "error", err)
		return
	}

	due := records[:0]
	now := s.now()
	for _, rec := range records {
		if s.dueAt(rec.ID).After(now) {
			continue
		}
		due = append(due, rec)
	}

	ctx, span := s.tracer.Start(ctx, "processor.batch",
		trace.WithAttributes(attribute.Int("records", len(due))))
	defer span.End()

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		rec := rec
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.processOne(ctx, rec)
		}()
	}
	wg.Wait()

	pending, err := s.store.InStates(ctx, payment.StatesToProcess())
	if err != nil {
		s.log.Error("count pending records", "error", err)
		return
	}
	s.metrics.ObserveBatch(s.now().Sub(start), len(pending))
}

func (s *Scheduler) processOne(ctx context.Context, rec *payment.Record) {
	state := rec.State
	result, err := s.engine.Process(ctx, rec)
	switch result {
	case ResultRetry:
		delay := s.noteRetry(rec.ID, state, err)
		s.metrics.RecordRetry(string(state))
		if err != nil {
			s.log.Warn("payment step failed",
				"payment_id", rec.ID, "state", string(state),
				"retry_in", delay.String(), "error", err)
		}
	default:
		s.clearRetry(rec.ID)
	}
}

func (s *Scheduler) noteRetry(id string, state payment.State, err error) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.retries[id]
	if !ok {
		entry = &retryEntry{}
		s.retries[id] = entry
	}
	delay := entry.backoff.Next(state, ledger.KindOf(err), 0)
	entry.dueAt = s.now().Add(delay)
	return delay
}

func (s *Scheduler) clearRetry(id string) {
	s.mu.Lock()
	delete(s.retries, id)
	s.mu.Unlock()
}

func (s *Scheduler) dueAt(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.retries[id]; ok {
		return entry.dueAt
	}
	return time.Time{}
}

func (s *Scheduler) earliestRetry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, entry := range s.retries {
		if earliest.IsZero() || entry.dueAt.Before(earliest) {
			earliest = entry.dueAt
		}
	}
	return earliest, !earliest.IsZero()
}

// Status summarises scheduler state for administrative endpoints.
type Status struct {
	PendingRetries int       `json:"pending_retries"`
	NextRetry      time.Time `json:"next_retry,omitempty"`
}

// Status reports the current retry queue snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{PendingRetries: len(s.retries)}
	for _, entry := range s.retries {
		if status.NextRetry.IsZero() || entry.dueAt.Before(status.NextRetry) {
			status.NextRetry = entry.dueAt
		}
	}
	return status
}
