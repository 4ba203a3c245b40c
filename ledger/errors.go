package ledger

import (
	"errors"
	"fmt"
)

// Kind categorises a ledger network failure. The processing state machine
// dispatches on kinds, never on transport details.
type Kind string

const (
	KindConnection         Kind = "connection"
	KindTimeout            Kind = "timeout"
	KindAuthorization      Kind = "authorization"
	KindAttestation        Kind = "attestation"
	KindRateLimited        Kind = "rate_limited"
	KindInvalidInput       Kind = "invalid_input"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindStaleClient        Kind = "stale_client"
	KindInputsSpent        Kind = "inputs_already_spent"
	KindInvalidTransaction Kind = "invalid_transaction"
)

// Retryable reports whether a later attempt may succeed without any local
// correction. Authorization failures are retryable because the session is
// rebuilt on the next call.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindRateLimited, KindAuthorization:
		return true
	}
	return false
}

// Error is a categorised ledger network error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("ledger: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an operation name and kind.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, or empty if err is not a ledger error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsRetryable reports whether err is a ledger error worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
