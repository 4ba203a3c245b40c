package payment

// Currency identifies the settlement asset of a payment amount.
type Currency string

// CurrencyMOB is the only asset settled by the attested ledger network.
const CurrencyMOB Currency = "MOB"

// Amount is an integer quantity of a currency's smallest unit (picounits).
type Amount struct {
	Currency  Currency `json:"currency"`
	Picounits uint64   `json:"picounits"`
}

// NewAmount builds a MOB amount from picounits.
func NewAmount(picounits uint64) Amount {
	return Amount{Currency: CurrencyMOB, Picounits: picounits}
}

// Valid reports whether the amount is well formed. Zero amounts are only
// well formed when canBeZero is set (defragmentation flows).
func (a Amount) Valid(canBeZero bool) bool {
	if a.Currency == "" {
		return false
	}
	return canBeZero || a.Picounits > 0
}

// Type distinguishes how a payment record entered the system.
type Type string

const (
	TypeIncoming                       Type = "incoming_payment"
	TypeOutgoing                       Type = "outgoing_payment"
	TypeOutgoingTransfer               Type = "outgoing_transfer"
	TypeOutgoingDefragmentation        Type = "outgoing_defragmentation"
	TypeOutgoingFromLinkedDevice       Type = "outgoing_payment_from_linked_device"
	TypeOutgoingDefragFromLinkedDevice Type = "outgoing_defragmentation_from_linked_device"

	// Unidentified types are placeholders created by reconciliation for
	// ledger activity with no local explanation.
	TypeIncomingUnidentified Type = "incoming_unidentified"
	TypeOutgoingUnidentified Type = "outgoing_unidentified"
)

// Known reports whether t is one of the defined payment types.
func (t Type) Known() bool {
	switch t {
	case TypeIncoming, TypeOutgoing, TypeOutgoingTransfer, TypeOutgoingDefragmentation,
		TypeOutgoingFromLinkedDevice, TypeOutgoingDefragFromLinkedDevice,
		TypeIncomingUnidentified, TypeOutgoingUnidentified:
		return true
	}
	return false
}

// Incoming reports whether the payment was received by the local account.
func (t Type) Incoming() bool {
	return t == TypeIncoming || t == TypeIncomingUnidentified
}

// Outgoing reports whether the payment was initiated by the local account
// or one of its linked devices.
func (t Type) Outgoing() bool {
	return t.Known() && !t.Incoming()
}

// Unidentified reports whether the record is a reconciliation placeholder.
func (t Type) Unidentified() bool {
	return t == TypeIncomingUnidentified || t == TypeOutgoingUnidentified
}

// Defragmentation reports whether the payment consolidates spendable
// fragments rather than moving value to a counterparty.
func (t Type) Defragmentation() bool {
	return t == TypeOutgoingDefragmentation || t == TypeOutgoingDefragFromLinkedDevice
}

// FromLinkedDevice reports whether the record was learned via a sync
// message rather than initiated locally.
func (t Type) FromLinkedDevice() bool {
	return t == TypeOutgoingFromLinkedDevice || t == TypeOutgoingDefragFromLinkedDevice
}

// Transfer reports whether the payment moves funds between the local
// account's own addresses. Transfers never emit notification messages.
func (t Type) Transfer() bool {
	return t == TypeOutgoingTransfer
}

// Failure categorises why a payment reached a failed terminal state.
type Failure string

const (
	FailureNone              Failure = ""
	FailureUnknown           Failure = "unknown"
	FailureInsufficientFunds Failure = "insufficient_funds"
	FailureValidationFailed  Failure = "validation_failed"
	FailureInvalid           Failure = "invalid"
	FailureExpired           Failure = "expired"
)
