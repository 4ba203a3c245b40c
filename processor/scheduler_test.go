package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paycore/ledger"
	"paycore/payment"
	"paycore/store"
)

func openSchedulerStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	require.NoError(t, st.SetEnabled(context.Background(), true))
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSchedulerPassCompletesRecords(t *testing.T) {
	st := openSchedulerStore(t)
	lc := &fakeLedger{
		outStatus: ledger.OutgoingStatus{
			State: ledger.OutgoingAccepted,
			Block: ledger.BlockRef{Index: 3, TimestampMS: 1_700_000_000_000},
		},
	}
	eng := NewEngine(st, lc, WithNotifier(&fakeNotifier{}))
	sched := NewScheduler(eng, st, WithWorkers(2))

	rec := newOutgoing(t, st)
	sched.RunPass(context.Background())

	final, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StateOutgoingComplete, final.State)
	require.Zero(t, sched.Status().PendingRetries)
}

func TestSchedulerSkipsWhenPaymentsDisabled(t *testing.T) {
	st := openSchedulerStore(t)
	require.NoError(t, st.SetEnabled(context.Background(), false))

	lc := &fakeLedger{}
	eng := NewEngine(st, lc, WithNotifier(&fakeNotifier{}))
	sched := NewScheduler(eng, st)

	rec := newOutgoing(t, st)
	sched.RunPass(context.Background())

	unchanged, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StateOutgoingUnsubmitted, unchanged.State)
	require.Empty(t, lc.submitted)
}

func TestSchedulerSchedulesRetryWithBackoff(t *testing.T) {
	st := openSchedulerStore(t)
	lc := &fakeLedger{
		submitErr: ledger.NewError("ledger_submitTransaction", ledger.KindConnection, errors.New("refused")),
	}
	eng := NewEngine(st, lc, WithNotifier(&fakeNotifier{}))
	sched := NewScheduler(eng, st)

	rec := newOutgoing(t, st)
	sched.RunPass(context.Background())

	status := sched.Status()
	require.Equal(t, 1, status.PendingRetries)
	require.False(t, status.NextRetry.IsZero())

	// A pass before the retry is due leaves the record untouched.
	submittedBefore := len(lc.submitted)
	sched.RunPass(context.Background())
	require.Equal(t, submittedBefore, len(lc.submitted))

	unchanged, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StateOutgoingUnsubmitted, unchanged.State)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	st := openSchedulerStore(t)
	eng := NewEngine(st, &fakeLedger{}, WithNotifier(&fakeNotifier{}))
	sched := NewScheduler(eng, st, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerTriggerCoalesces(t *testing.T) {
	st := openSchedulerStore(t)
	eng := NewEngine(st, &fakeLedger{}, WithNotifier(&fakeNotifier{}))
	sched := NewScheduler(eng, st)

	for i := 0; i < 10; i++ {
		sched.Trigger()
	}
	require.Len(t, sched.trigger, 1)
}
