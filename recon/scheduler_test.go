package recon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paycore/ledger"
)

type countingLedger struct {
	feedLedger
	calls atomic.Int64
}

func (c *countingLedger) AccountActivity(ctx context.Context) (ledger.AccountActivity, error) {
	c.calls.Add(1)
	return c.feedLedger.AccountActivity(ctx)
}

func TestSchedulerCoalescesRequests(t *testing.T) {
	st := openReconStore(t)
	lc := &countingLedger{}
	sched := NewScheduler(NewEngine(st, lc), WithDebounce(10*time.Millisecond))

	// Burst before the loop starts: one pass covers all of them.
	for i := 0; i < 5; i++ {
		sched.Request()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return lc.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), lc.calls.Load())

	// A fresh request after the pass runs again.
	sched.Request()
	require.Eventually(t, func() bool { return lc.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	st := openReconStore(t)
	lc := &countingLedger{}
	sched := NewScheduler(NewEngine(st, lc), WithInterval(15*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// No explicit request; the cadence alone drives passes.
	require.Eventually(t, func() bool { return lc.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestForceQueuesRequest(t *testing.T) {
	st := openReconStore(t)
	sched := NewScheduler(NewEngine(st, &feedLedger{}))

	require.NoError(t, sched.Force(context.Background()))

	select {
	case <-sched.requests:
	default:
		t.Fatal("forced reconciliation did not queue a pass")
	}
}
