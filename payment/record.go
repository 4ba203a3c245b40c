package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxMemoLength bounds the free-text note attached to a payment.
const MaxMemoLength = 32

var (
	// ErrInvalidRecord is returned when a record fails internal validation.
	ErrInvalidRecord = errors.New("payment: invalid record")

	// ErrInvalidTransition is returned for a state change that is not an
	// edge of the state graph.
	ErrInvalidTransition = errors.New("payment: invalid state transition")
)

// LedgerData carries the chain-specific payload attached to a payment record.
// Key images and output public keys are opaque blobs; the core never
// interprets them beyond equality.
type LedgerData struct {
	RecipientAddress     []byte   `json:"recipient_address,omitempty"`
	TransactionData      []byte   `json:"transaction_data,omitempty"`
	ReceiptData          []byte   `json:"receipt_data,omitempty"`
	IncomingTxPublicKeys [][]byte `json:"incoming_tx_public_keys,omitempty"`
	SpentKeyImages       [][]byte `json:"spent_key_images,omitempty"`
	OutputPublicKeys     [][]byte `json:"output_public_keys,omitempty"`
	BlockIndex           uint64   `json:"block_index,omitempty"`
	BlockTimestampMS     uint64   `json:"block_timestamp_ms,omitempty"`
	Fee                  *Amount  `json:"fee,omitempty"`
}

// HasBlockIndex reports whether the ledger block index is known.
func (l LedgerData) HasBlockIndex() bool { return l.BlockIndex > 0 }

// HasBlockTimestamp reports whether the ledger block timestamp is known.
func (l LedgerData) HasBlockTimestamp() bool { return l.BlockTimestampMS > 0 }

// Record is the local ledger entry for a single payment.
type Record struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	State          State      `json:"state"`
	Amount         *Amount    `json:"amount,omitempty"`
	CounterpartyID string     `json:"counterparty_id,omitempty"`
	Memo           string     `json:"memo,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Unread         bool       `json:"unread"`
	FailureReason  Failure    `json:"failure_reason,omitempty"`
	Ledger         LedgerData `json:"ledger"`
}

// NewID allocates a record identifier.
func NewID() string { return uuid.NewString() }

// Unidentified reports whether the record is a reconciliation placeholder.
func (r *Record) Unidentified() bool { return r.Type.Unidentified() }

// Clone returns a deep copy safe to mutate independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Amount != nil {
		a := *r.Amount
		out.Amount = &a
	}
	if r.Ledger.Fee != nil {
		f := *r.Ledger.Fee
		out.Ledger.Fee = &f
	}
	out.Ledger.RecipientAddress = cloneBytes(r.Ledger.RecipientAddress)
	out.Ledger.TransactionData = cloneBytes(r.Ledger.TransactionData)
	out.Ledger.ReceiptData = cloneBytes(r.Ledger.ReceiptData)
	out.Ledger.IncomingTxPublicKeys = cloneBlobs(r.Ledger.IncomingTxPublicKeys)
	out.Ledger.SpentKeyImages = cloneBlobs(r.Ledger.SpentKeyImages)
	out.Ledger.OutputPublicKeys = cloneBlobs(r.Ledger.OutputPublicKeys)
	return &out
}

// Validate enforces the internal consistency invariants of a record.
// Violations are data-integrity errors: callers must abort the operation
// that produced the record rather than persist it.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if !r.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, r.Type)
	}
	if !r.State.Known() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, r.State)
	}
	if r.Type.Incoming() != r.State.Incoming() {
		return fmt.Errorf("%w: type %s does not match state %s", ErrInvalidRecord, r.Type, r.State)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created date", ErrInvalidRecord)
	}
	if len(r.Memo) > MaxMemoLength {
		return fmt.Errorf("%w: memo exceeds %d characters", ErrInvalidRecord, MaxMemoLength)
	}

	failed := r.State.Failed()
	if failed != (r.FailureReason != FailureNone) {
		return fmt.Errorf("%w: failure reason %q inconsistent with state %s", ErrInvalidRecord, r.FailureReason, r.State)
	}

	if r.Amount != nil {
		if !r.Amount.Valid(r.Type.Defragmentation()) {
			return fmt.Errorf("%w: bad amount", ErrInvalidRecord)
		}
	} else if r.State != StateIncomingUnverified && !failed {
		// Incoming amounts are unknown until the receipt is verified.
		return fmt.Errorf("%w: missing amount in state %s", ErrInvalidRecord, r.State)
	}

	if fee := r.Ledger.Fee; fee != nil {
		if !fee.Valid(false) {
			return fmt.Errorf("%w: bad fee", ErrInvalidRecord)
		}
	} else if r.Type.Outgoing() && !r.Unidentified() && !failed {
		return fmt.Errorf("%w: missing fee", ErrInvalidRecord)
	}

	if r.Type.Incoming() && !r.Unidentified() && !failed && len(r.Ledger.ReceiptData) == 0 {
		return fmt.Errorf("%w: missing receipt data", ErrInvalidRecord)
	}
	// Tx public keys surface when the receipt verifies, so unverified
	// records may not have them yet.
	if r.Type.Incoming() && !failed && r.State != StateIncomingUnverified && len(r.Ledger.IncomingTxPublicKeys) == 0 {
		return fmt.Errorf("%w: missing incoming tx public keys", ErrInvalidRecord)
	}
	// An incoming omnibus placeholder may net out spent activity from the
	// same block, so the prohibition only binds identified records.
	if r.Type.Incoming() && !r.Unidentified() && len(r.Ledger.SpentKeyImages) > 0 {
		return fmt.Errorf("%w: unexpected spent key images on incoming payment", ErrInvalidRecord)
	}
	if r.Type.Incoming() && len(r.Ledger.OutputPublicKeys) > 0 {
		return fmt.Errorf("%w: unexpected output public keys on incoming payment", ErrInvalidRecord)
	}

	if r.Type.Outgoing() {
		if len(r.Ledger.SpentKeyImages) == 0 {
			return fmt.Errorf("%w: missing spent key images", ErrInvalidRecord)
		}
		if !r.Unidentified() && len(r.Ledger.OutputPublicKeys) == 0 {
			return fmt.Errorf("%w: missing output public keys", ErrInvalidRecord)
		}
	}

	// Transaction bytes are required to submit; afterwards they may be
	// absent (linked-device records never carry them).
	if r.State == StateOutgoingUnsubmitted && len(r.Ledger.TransactionData) == 0 {
		return fmt.Errorf("%w: unsubmitted payment without transaction data", ErrInvalidRecord)
	}

	needsCounterparty := r.Type == TypeIncoming || r.Type == TypeOutgoing || r.Type == TypeOutgoingFromLinkedDevice
	if needsCounterparty && r.CounterpartyID == "" {
		return fmt.Errorf("%w: missing counterparty", ErrInvalidRecord)
	}

	if (r.State.Verified() || r.Unidentified()) && !r.Ledger.HasBlockIndex() {
		return fmt.Errorf("%w: missing ledger block index in state %s", ErrInvalidRecord, r.State)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneBlobs(bs [][]byte) [][]byte {
	if bs == nil {
		return nil
	}
	out := make([][]byte, len(bs))
	for i, b := range bs {
		out[i] = cloneBytes(b)
	}
	return out
}
