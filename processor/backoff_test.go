package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paycore/ledger"
	"paycore/payment"
)

func TestBackoffTransportDoubles(t *testing.T) {
	var b Backoff
	first := b.Next(payment.StateOutgoingUnverified, ledger.KindConnection, 0)
	second := b.Next(payment.StateOutgoingUnverified, ledger.KindConnection, 0)
	third := b.Next(payment.StateOutgoingUnverified, ledger.KindTimeout, 0)
	require.Equal(t, 2*time.Second, first)
	require.Equal(t, 4*time.Second, second)
	require.Equal(t, 8*time.Second, third)
}

func TestBackoffTransportStaysCappedAfterManyAttempts(t *testing.T) {
	var b Backoff
	var last time.Duration
	for i := 0; i < 40; i++ {
		last = b.Next(payment.StateOutgoingUnverified, ledger.KindConnection, 0)
		require.Positive(t, last)
	}
	require.Equal(t, maxDelay, last)
}

func TestBackoffRateLimitedHonoursServerDelay(t *testing.T) {
	var b Backoff
	first := b.Next(payment.StateOutgoingUnsubmitted, ledger.KindRateLimited, 10*time.Second)
	second := b.Next(payment.StateOutgoingUnsubmitted, ledger.KindRateLimited, 10*time.Second)
	require.Equal(t, 40*time.Second, first)
	require.Equal(t, 80*time.Second, second)
}

func TestBackoffStatusUnknownGrowsGently(t *testing.T) {
	var b Backoff
	first := b.Next(payment.StateOutgoingUnverified, "", 0)
	second := b.Next(payment.StateOutgoingUnverified, "", 0)
	third := b.Next(payment.StateOutgoingUnverified, "", 0)
	require.Equal(t, 2*time.Second, first)
	require.Equal(t, 3*time.Second, second)
	require.Greater(t, third, second)
}

func TestBackoffTimestampBackfillHasHourFloor(t *testing.T) {
	var b Backoff
	first := b.Next(payment.StateOutgoingMissingLedgerTimestamp, "", 0)
	second := b.Next(payment.StateIncomingMissingLedgerTimestamp, "", 0)
	require.Equal(t, time.Hour, first)
	require.Equal(t, 4*time.Hour, second)
}

func TestBackoffCapsAndResets(t *testing.T) {
	var b Backoff
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.Next(payment.StateOutgoingMissingLedgerTimestamp, "", 0)
	}
	require.Equal(t, maxDelay, last)

	b.Reset()
	require.Zero(t, b.Attempts())
	require.Equal(t, 2*time.Second, b.Next(payment.StateOutgoingUnverified, ledger.KindConnection, 0))
}

func TestBackoffClassChangeResetsAttempts(t *testing.T) {
	var b Backoff
	b.Next(payment.StateOutgoingUnverified, ledger.KindConnection, 0)
	b.Next(payment.StateOutgoingUnverified, ledger.KindConnection, 0)
	delay := b.Next(payment.StateOutgoingUnverified, ledger.KindRateLimited, 0)
	require.Equal(t, 30*time.Second, delay)
	require.Equal(t, 1, b.Attempts())
}
