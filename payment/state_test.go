package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateOutgoingUnsubmitted, StateOutgoingUnverified, true},
		{StateOutgoingUnsubmitted, StateOutgoingFailed, true},
		{StateOutgoingUnsubmitted, StateOutgoingVerified, false},
		{StateOutgoingUnverified, StateOutgoingVerified, true},
		{StateOutgoingVerified, StateOutgoingSending, true},
		{StateOutgoingVerified, StateOutgoingSent, true},
		{StateOutgoingSending, StateOutgoingComplete, true},
		{StateOutgoingSent, StateOutgoingMissingLedgerTimestamp, true},
		{StateOutgoingMissingLedgerTimestamp, StateOutgoingComplete, true},
		{StateOutgoingComplete, StateOutgoingFailed, false},
		{StateIncomingUnverified, StateIncomingVerified, true},
		{StateIncomingVerified, StateIncomingComplete, true},
		{StateIncomingVerified, StateOutgoingComplete, false},
		{StateIncomingMissingLedgerTimestamp, StateIncomingComplete, true},
		{StateIncomingComplete, StateIncomingFailed, false},
		{StateIncomingFailed, StateIncomingUnverified, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, ValidTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestEveryPathCanFail(t *testing.T) {
	for from, edges := range transitions {
		require.True(t, edges[from.FailedState()], "%s cannot reach %s", from, from.FailedState())
	}
}

func TestTransitionsStayOnPath(t *testing.T) {
	for from, edges := range transitions {
		for to := range edges {
			require.Equal(t, from.Incoming(), to.Incoming(), "%s -> %s crosses paths", from, to)
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []State{
		StateOutgoingComplete, StateOutgoingFailed,
		StateIncomingComplete, StateIncomingFailed,
	} {
		require.True(t, s.Terminal())
		require.Empty(t, transitions[s])
	}
}

func TestStatesToProcessCoversNonTerminal(t *testing.T) {
	listed := make(map[State]bool)
	for _, s := range StatesToProcess() {
		require.True(t, s.Known(), "unknown state %s", s)
		require.False(t, s.Terminal(), "terminal state %s in processing list", s)
		require.False(t, listed[s], "state %s listed twice", s)
		listed[s] = true
	}
	for from := range transitions {
		require.True(t, listed[from], "non-terminal state %s not processed", from)
	}
	// Unsubmitted outgoing payments go first so fresh sends are not
	// starved by verification work.
	require.Equal(t, StateOutgoingUnsubmitted, StatesToProcess()[0])
}

func TestCheckTransition(t *testing.T) {
	require.NoError(t, CheckTransition(StateOutgoingUnsubmitted, StateOutgoingUnverified))

	err := CheckTransition(StateOutgoingComplete, StateOutgoingUnsubmitted)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Contains(t, err.Error(), "outgoing_complete")
}

func TestStateKnown(t *testing.T) {
	require.True(t, StateOutgoingUnsubmitted.Known())
	require.True(t, StateIncomingFailed.Known())
	require.False(t, State("settled").Known())
	require.False(t, State("").Known())
}

func TestVerifiedImpliesPastVerification(t *testing.T) {
	require.False(t, StateOutgoingUnsubmitted.Verified())
	require.False(t, StateOutgoingUnverified.Verified())
	require.False(t, StateIncomingUnverified.Verified())
	require.False(t, StateOutgoingFailed.Verified())
	require.True(t, StateOutgoingVerified.Verified())
	require.True(t, StateOutgoingComplete.Verified())
	require.True(t, StateIncomingMissingLedgerTimestamp.Verified())
}
