package ledger

import (
	"context"

	"paycore/payment"
)

// RawTransaction is an opaque serialized transaction ready for submission.
type RawTransaction []byte

// Receipt is the proof artifact a recipient uses to confirm an incoming
// payment without seeing the sender's full transaction.
type Receipt []byte

// BlockRef locates activity within the ledger. TimestampMS may be zero
// when consensus has not yet published a timestamp for the block.
type BlockRef struct {
	Index       uint64
	TimestampMS uint64
}

// PreparedTransaction bundles everything produced by transaction
// preparation: the submittable bytes, the recipient's receipt, the fee,
// and the key material that identifies the payment on the ledger.
type PreparedTransaction struct {
	Transaction      RawTransaction
	Receipt          Receipt
	Fee              payment.Amount
	SpentKeyImages   [][]byte
	OutputPublicKeys [][]byte
}

// OutgoingState is the normalized submission status vocabulary.
type OutgoingState int

const (
	OutgoingPending OutgoingState = iota
	OutgoingAccepted
	OutgoingFailed
)

// OutgoingStatus reports the ledger's view of a submitted transaction.
// Block is only meaningful when State is OutgoingAccepted.
type OutgoingStatus struct {
	State OutgoingState
	Block BlockRef
}

// IncomingState is the normalized receipt status vocabulary.
type IncomingState int

const (
	IncomingUnknown IncomingState = iota
	IncomingReceived
	IncomingFailed
)

// IncomingStatus reports the ledger's view of a receipt. Block, Amount,
// and TxPublicKeys are only meaningful when State is IncomingReceived.
type IncomingStatus struct {
	State        IncomingState
	Block        BlockRef
	Amount       payment.Amount
	TxPublicKeys [][]byte
}

// ActivityItem is one transaction output the account has ever owned.
// SpentBlock is nil while the output remains spendable.
type ActivityItem struct {
	TxPublicKey   []byte
	KeyImage      []byte
	Picounits     uint64
	ReceivedBlock BlockRef
	SpentBlock    *BlockRef
}

// AccountActivity is the authoritative activity feed used by
// reconciliation. BlockCount monotonically increases, so it doubles as a
// cheap change detector.
type AccountActivity struct {
	BlockCount uint64
	Items      []ActivityItem
}

// Client is a session with the remote attested ledger network. All calls
// may fail with a categorised *Error; none of them mutate local state.
type Client interface {
	Balance(ctx context.Context) (payment.Amount, error)
	EstimateFee(ctx context.Context, amount payment.Amount) (payment.Amount, error)
	MaxSendable(ctx context.Context) (payment.Amount, error)
	RequiresDefragmentation(ctx context.Context, amount payment.Amount) (bool, error)
	PrepareDefragmentation(ctx context.Context, amount payment.Amount) ([]PreparedTransaction, error)
	PrepareTransaction(ctx context.Context, amount payment.Amount, recipientAddress []byte) (PreparedTransaction, error)
	SubmitTransaction(ctx context.Context, tx RawTransaction) error
	OutgoingStatus(ctx context.Context, tx RawTransaction) (OutgoingStatus, error)
	IncomingStatus(ctx context.Context, receipt Receipt) (IncomingStatus, error)
	AccountActivity(ctx context.Context) (AccountActivity, error)
}
