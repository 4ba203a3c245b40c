package payment

import "fmt"

// State is the position of a payment record in the processing state machine.
type State string

const (
	StateOutgoingUnsubmitted            State = "outgoing_unsubmitted"
	StateOutgoingUnverified             State = "outgoing_unverified"
	StateOutgoingVerified               State = "outgoing_verified"
	StateOutgoingSending                State = "outgoing_sending"
	StateOutgoingSent                   State = "outgoing_sent"
	StateOutgoingMissingLedgerTimestamp State = "outgoing_missing_ledger_timestamp"
	StateOutgoingComplete               State = "outgoing_complete"
	StateOutgoingFailed                 State = "outgoing_failed"

	StateIncomingUnverified             State = "incoming_unverified"
	StateIncomingVerified               State = "incoming_verified"
	StateIncomingMissingLedgerTimestamp State = "incoming_missing_ledger_timestamp"
	StateIncomingComplete               State = "incoming_complete"
	StateIncomingFailed                 State = "incoming_failed"
)

// Known reports whether s is one of the defined states.
func (s State) Known() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// Incoming reports whether the state belongs to the incoming path.
func (s State) Incoming() bool {
	switch s {
	case StateIncomingUnverified, StateIncomingVerified,
		StateIncomingMissingLedgerTimestamp, StateIncomingComplete, StateIncomingFailed:
		return true
	}
	return false
}

// Terminal states receive no further processing.
func (s State) Terminal() bool {
	switch s {
	case StateOutgoingComplete, StateOutgoingFailed, StateIncomingComplete, StateIncomingFailed:
		return true
	}
	return false
}

// Failed reports whether the state is a failed terminal state.
func (s State) Failed() bool {
	return s == StateOutgoingFailed || s == StateIncomingFailed
}

// Complete reports whether the state is a successful terminal state.
func (s State) Complete() bool {
	return s == StateOutgoingComplete || s == StateIncomingComplete
}

// Verified reports whether the payment has been confirmed against the
// ledger. Verified records are expected to carry a ledger block index.
func (s State) Verified() bool {
	switch s {
	case StateOutgoingVerified, StateOutgoingSending, StateOutgoingSent,
		StateOutgoingMissingLedgerTimestamp, StateOutgoingComplete,
		StateIncomingVerified, StateIncomingMissingLedgerTimestamp, StateIncomingComplete:
		return true
	}
	return false
}

// FailedState returns the failed terminal state for s's path.
func (s State) FailedState() State {
	if s.Incoming() {
		return StateIncomingFailed
	}
	return StateOutgoingFailed
}

// StatesToProcess lists every non-terminal state, in processing priority
// order (unsubmitted outgoing payments first).
func StatesToProcess() []State {
	return []State{
		StateOutgoingUnsubmitted,
		StateOutgoingUnverified,
		StateIncomingUnverified,
		StateOutgoingVerified,
		StateOutgoingSending,
		StateOutgoingSent,
		StateOutgoingMissingLedgerTimestamp,
		StateIncomingVerified,
		StateIncomingMissingLedgerTimestamp,
	}
}

// transitions is the edge set of the state graph. A transition absent from
// this map is a programming error, never a soft failure.
var transitions = map[State]map[State]bool{
	StateOutgoingUnsubmitted: {
		StateOutgoingUnverified: true,
		StateOutgoingFailed:     true,
	},
	StateOutgoingUnverified: {
		StateOutgoingVerified: true,
		StateOutgoingFailed:   true,
	},
	StateOutgoingVerified: {
		StateOutgoingSending: true,
		// Transfers and defragmentations skip the notification step.
		StateOutgoingSent:   true,
		StateOutgoingFailed: true,
	},
	StateOutgoingSending: {
		StateOutgoingSent:                   true,
		StateOutgoingMissingLedgerTimestamp: true,
		StateOutgoingComplete:               true,
		StateOutgoingFailed:                 true,
	},
	StateOutgoingSent: {
		StateOutgoingMissingLedgerTimestamp: true,
		StateOutgoingComplete:               true,
		StateOutgoingFailed:                 true,
	},
	StateOutgoingMissingLedgerTimestamp: {
		StateOutgoingComplete: true,
		StateOutgoingFailed:   true,
	},
	StateIncomingUnverified: {
		StateIncomingVerified: true,
		StateIncomingFailed:   true,
	},
	StateIncomingVerified: {
		StateIncomingMissingLedgerTimestamp: true,
		StateIncomingComplete:               true,
		StateIncomingFailed:                 true,
	},
	StateIncomingMissingLedgerTimestamp: {
		StateIncomingComplete: true,
		StateIncomingFailed:   true,
	},
}

// ValidTransition reports whether from -> to is an edge of the state graph.
func ValidTransition(from, to State) bool {
	return transitions[from][to]
}

// CheckTransition returns an error describing the invalid edge, if any.
func CheckTransition(from, to State) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
