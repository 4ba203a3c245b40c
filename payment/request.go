package payment

import (
	"fmt"
	"time"
)

// Request is a received payment request: a counterparty asked this
// account to send a specific amount. When a later outgoing payment
// carries the matching request id, the request is considered fulfilled.
type Request struct {
	RequestID      string
	CounterpartyID string
	Amount         Amount
	Memo           string
	CreatedAt      time.Time
}

// Validate checks the request is well formed enough to persist.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRecord)
	}
	if r.RequestID == "" {
		return fmt.Errorf("%w: request id required", ErrInvalidRecord)
	}
	if r.CounterpartyID == "" {
		return fmt.Errorf("%w: request counterparty required", ErrInvalidRecord)
	}
	if !r.Amount.Valid(false) {
		return fmt.Errorf("%w: request amount must be positive", ErrInvalidRecord)
	}
	if len(r.Memo) > MaxMemoLength {
		return fmt.Errorf("%w: memo exceeds %d characters", ErrInvalidRecord, MaxMemoLength)
	}
	return nil
}
