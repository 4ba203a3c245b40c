// Package balance maintains a cached view of the account's spendable
// balance. The ledger is only asked again when the cache goes stale, and
// a changed balance is treated as evidence of unseen ledger activity.
package balance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"paycore/ledger"
	"paycore/observability"
	"paycore/payment"
)

// Tracker polls the ledger balance on a slow cadence and fans out change
// notifications. Reconciliation subscribes: a balance that moved without
// a local payment explaining it means the ledger knows something we
// don't.
type Tracker struct {
	ledger  ledger.Client
	log     *slog.Logger
	metrics *observability.BalanceMetrics

	checkInterval time.Duration
	maxAge        time.Duration
	now           func() time.Time

	refreshes chan struct{}

	mu        sync.Mutex
	amount    payment.Amount
	fetchedAt time.Time
	known     bool
	onChange  []func(payment.Amount)
}

// Option customises the tracker.
type Option func(*Tracker)

// WithCheckInterval overrides how often staleness is evaluated.
func WithCheckInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.checkInterval = d
		}
	}
}

// WithMaxAge overrides how old the cached balance may grow before a
// refresh.
func WithMaxAge(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTracker builds a tracker over the ledger session.
func NewTracker(lc ledger.Client, opts ...Option) *Tracker {
	t := &Tracker{
		ledger:        lc,
		log:           slog.Default().With("component", "balance"),
		metrics:       observability.Balance(),
		checkInterval: 5 * time.Minute,
		maxAge:        4 * time.Hour,
		now:           time.Now,
		refreshes:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers fn to run whenever the known balance changes.
func (t *Tracker) Subscribe(fn func(payment.Amount)) {
	t.mu.Lock()
	t.onChange = append(t.onChange, fn)
	t.mu.Unlock()
}

// RequestRefresh asks the run loop for an immediate refresh. Safe from
// any goroutine and never blocks; requests made while one is pending
// coalesce. Payment mutations use it to keep the cached balance honest.
func (t *Tracker) RequestRefresh() {
	select {
	case t.refreshes <- struct{}{}:
	default:
	}
}

// Current returns the cached balance, when it was fetched, and whether a
// fetch has ever succeeded.
func (t *Tracker) Current() (payment.Amount, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amount, t.fetchedAt, t.known
}

// Refresh fetches the balance now, regardless of cache age.
func (t *Tracker) Refresh(ctx context.Context) error {
	amount, err := t.ledger.Balance(ctx)
	if err != nil {
		t.metrics.RecordRefresh(false, 0)
		return err
	}
	t.metrics.RecordRefresh(true, amount.Picounits)

	t.mu.Lock()
	changed := t.known && t.amount != amount
	first := !t.known
	t.amount = amount
	t.fetchedAt = t.now()
	t.known = true
	subs := make([]func(payment.Amount), len(t.onChange))
	copy(subs, t.onChange)
	t.mu.Unlock()

	if first {
		t.log.Info("balance known", "picounits", amount.Picounits)
	}
	if changed {
		t.log.Info("balance changed", "picounits", amount.Picounits)
		for _, fn := range subs {
			fn(amount)
		}
	}
	return nil
}

// CheckStaleness refreshes only when the cache is missing or older than
// the configured maximum age.
func (t *Tracker) CheckStaleness(ctx context.Context) error {
	t.mu.Lock()
	known := t.known
	age := t.now().Sub(t.fetchedAt)
	t.mu.Unlock()

	if known {
		t.metrics.RecordAge(age)
	}
	if known && age <= t.maxAge {
		return nil
	}
	return t.Refresh(ctx)
}

// Run evaluates staleness on the check interval and serves refresh
// requests until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.CheckStaleness(ctx); err != nil {
		t.log.Warn("balance refresh failed", "error", err)
	}
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.CheckStaleness(ctx); err != nil {
				t.log.Warn("balance refresh failed", "error", err)
			}
		case <-t.refreshes:
			if err := t.Refresh(ctx); err != nil {
				t.log.Warn("balance refresh failed", "error", err)
			}
		}
	}
}
