// Package bridge connects the payment core to the messaging layer. It
// turns inbound payment messages into durable records, fulfils payment
// requests, and builds the outbound notification and device sync
// messages the outgoing state machine sends.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paycore/ledger"
	"paycore/payment"
	"paycore/store"
)

var (
	// ErrPaymentsDisabled is returned when an operation arrives while the
	// account-level payments switch is off.
	ErrPaymentsDisabled = errors.New("bridge: payments not enabled")

	// ErrInvalidMessage is returned when an inbound payment message fails
	// validation. Malformed messages are dropped loudly, never persisted.
	ErrInvalidMessage = errors.New("bridge: invalid payment message")
)

// Notification is the payload sent to a counterparty alongside a payment
// so their device can claim and display it.
type Notification struct {
	PaymentID string `json:"payment_id"`
	Receipt   []byte `json:"receipt"`
	Memo      string `json:"memo,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SyncMessage mirrors a locally initiated payment to the account's other
// devices with everything they need to track it themselves. The sending
// device only syncs after verifying against the ledger, so the message
// always carries the block the transaction landed in.
type SyncMessage struct {
	PaymentID        string   `json:"payment_id"`
	CounterpartyID   string   `json:"counterparty_id,omitempty"`
	RecipientAddress []byte   `json:"recipient_address,omitempty"`
	Picounits        uint64   `json:"picounits"`
	FeePicounits     uint64   `json:"fee_picounits"`
	Memo             string   `json:"memo,omitempty"`
	RequestID        string   `json:"request_id,omitempty"`
	Receipt          []byte   `json:"receipt"`
	SpentKeyImages   [][]byte `json:"spent_key_images"`
	OutputPublicKeys [][]byte `json:"output_public_keys"`
	BlockIndex       uint64   `json:"block_index"`
	BlockTimestampMS uint64   `json:"block_timestamp_ms,omitempty"`
	Defragmentation  bool     `json:"defragmentation,omitempty"`
}

// MessageSender delivers payment messages over the messaging transport.
type MessageSender interface {
	SendPaymentNotification(ctx context.Context, counterpartyID string, note Notification) error
	SendSyncMessage(ctx context.Context, msg SyncMessage) error
}

// Bridge is the application-facing surface of the payment core.
type Bridge struct {
	store  *store.Store
	ledger ledger.Client
	sender MessageSender
	log    *slog.Logger
	now    func() time.Time
}

// Option customises the bridge.
type Option func(*Bridge)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(b *Bridge) {
		if clock != nil {
			b.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// New builds the bridge over the store, ledger session, and messaging
// transport.
func New(st *store.Store, lc ledger.Client, sender MessageSender, opts ...Option) *Bridge {
	b := &Bridge{
		store:  st,
		ledger: lc,
		sender: sender,
		log:    slog.Default().With("component", "bridge"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) requireEnabled(ctx context.Context) error {
	enabled, err := b.store.Enabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrPaymentsDisabled
	}
	return nil
}

// Quote is the cost preview for a proposed outgoing payment.
type Quote struct {
	Amount                  payment.Amount
	Fee                     payment.Amount
	RequiresDefragmentation bool
}

// PrepareOutgoingPayment prices a proposed payment: the network fee and
// whether the account's coins must be consolidated first.
func (b *Bridge) PrepareOutgoingPayment(ctx context.Context, amount payment.Amount) (Quote, error) {
	if err := b.requireEnabled(ctx); err != nil {
		return Quote{}, err
	}
	if !amount.Valid(false) {
		return Quote{}, fmt.Errorf("%w: amount must be positive", ErrInvalidMessage)
	}
	fee, err := b.ledger.EstimateFee(ctx, amount)
	if err != nil {
		return Quote{}, err
	}
	defrag, err := b.ledger.RequiresDefragmentation(ctx, amount)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Amount: amount, Fee: fee, RequiresDefragmentation: defrag}, nil
}

// InitiateRequest describes a new outgoing payment.
type InitiateRequest struct {
	CounterpartyID   string
	RecipientAddress []byte
	Amount           payment.Amount
	Memo             string
	RequestID        string
}

// InitiateOutgoingPayment prepares a transaction against the ledger and
// persists it as an unsubmitted record. The processing scheduler picks it
// up from the store-change trigger; nothing hits the network for
// submission here.
func (b *Bridge) InitiateOutgoingPayment(ctx context.Context, req InitiateRequest) (*payment.Record, error) {
	if err := b.requireEnabled(ctx); err != nil {
		return nil, err
	}
	if req.CounterpartyID == "" {
		return nil, fmt.Errorf("%w: counterparty required", ErrInvalidMessage)
	}
	if len(req.RecipientAddress) == 0 {
		return nil, fmt.Errorf("%w: recipient address required", ErrInvalidMessage)
	}
	if len(req.Memo) > payment.MaxMemoLength {
		return nil, fmt.Errorf("%w: memo exceeds %d characters", ErrInvalidMessage, payment.MaxMemoLength)
	}

	prepared, err := b.ledger.PrepareTransaction(ctx, req.Amount, req.RecipientAddress)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	fee := prepared.Fee
	rec := &payment.Record{
		ID:             payment.NewID(),
		Type:           payment.TypeOutgoing,
		State:          payment.StateOutgoingUnsubmitted,
		Amount:         &amount,
		CounterpartyID: req.CounterpartyID,
		Memo:           req.Memo,
		RequestID:      req.RequestID,
		CreatedAt:      b.now(),
		Ledger: payment.LedgerData{
			RecipientAddress: req.RecipientAddress,
			TransactionData:  prepared.Transaction,
			ReceiptData:      prepared.Receipt,
			SpentKeyImages:   prepared.SpentKeyImages,
			OutputPublicKeys: prepared.OutputPublicKeys,
			Fee:              &fee,
		},
	}
	if err := b.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	b.log.Info("initiated outgoing payment", "payment_id", rec.ID)
	return rec, nil
}

// InitiateDefragmentation prepares and persists the consolidation
// transactions required before amount can be sent. Each one runs the
// ordinary outgoing state machine.
func (b *Bridge) InitiateDefragmentation(ctx context.Context, amount payment.Amount) ([]*payment.Record, error) {
	if err := b.requireEnabled(ctx); err != nil {
		return nil, err
	}
	prepared, err := b.ledger.PrepareDefragmentation(ctx, amount)
	if err != nil {
		return nil, err
	}
	records := make([]*payment.Record, 0, len(prepared))
	for _, tx := range prepared {
		zero := payment.NewAmount(0)
		fee := tx.Fee
		rec := &payment.Record{
			ID:        payment.NewID(),
			Type:      payment.TypeOutgoingDefragmentation,
			State:     payment.StateOutgoingUnsubmitted,
			Amount:    &zero,
			CreatedAt: b.now(),
			Ledger: payment.LedgerData{
				TransactionData:  tx.Transaction,
				ReceiptData:      tx.Receipt,
				SpentKeyImages:   tx.SpentKeyImages,
				OutputPublicKeys: tx.OutputPublicKeys,
				Fee:              &fee,
			},
		}
		if err := b.store.Insert(ctx, rec); err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// IncomingNotification is a counterparty's claim that they paid us.
type IncomingNotification struct {
	CounterpartyID string
	Receipt        []byte
	Memo           string
	RequestID      string
}

// HandleIncomingNotification validates a received payment message and
// persists it as an unverified incoming record. The amount stays unknown
// until the receipt checks out against the ledger. A receipt already on
// file is ignored: duplicate delivery is normal for messages.
func (b *Bridge) HandleIncomingNotification(ctx context.Context, note IncomingNotification) (*payment.Record, error) {
	if err := b.requireEnabled(ctx); err != nil {
		return nil, err
	}
	if note.CounterpartyID == "" {
		return nil, fmt.Errorf("%w: counterparty required", ErrInvalidMessage)
	}
	if len(note.Receipt) == 0 {
		return nil, fmt.Errorf("%w: receipt required", ErrInvalidMessage)
	}
	if len(note.Memo) > payment.MaxMemoLength {
		return nil, fmt.Errorf("%w: memo exceeds %d characters", ErrInvalidMessage, payment.MaxMemoLength)
	}

	rec := &payment.Record{
		ID:             payment.NewID(),
		Type:           payment.TypeIncoming,
		State:          payment.StateIncomingUnverified,
		CounterpartyID: note.CounterpartyID,
		Memo:           note.Memo,
		RequestID:      note.RequestID,
		CreatedAt:      b.now(),
		Unread:         true,
		Ledger: payment.LedgerData{
			ReceiptData: note.Receipt,
		},
	}
	err := b.store.Insert(ctx, rec)
	if errors.Is(err, store.ErrRedundant) {
		existing, lookupErr := b.store.ByReceipt(ctx, note.Receipt)
		if lookupErr == nil && len(existing) > 0 {
			return existing[0], nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// HandleSyncedOutgoingPayment records a payment another of the account's
// devices initiated. The sending device already verified the payment and
// notified the counterparty, so the record lands complete; there is
// nothing left for the state machine to do.
func (b *Bridge) HandleSyncedOutgoingPayment(ctx context.Context, msg SyncMessage) (*payment.Record, error) {
	if err := b.requireEnabled(ctx); err != nil {
		return nil, err
	}
	if len(msg.Receipt) == 0 {
		return nil, fmt.Errorf("%w: receipt required", ErrInvalidMessage)
	}
	if len(msg.SpentKeyImages) == 0 {
		return nil, fmt.Errorf("%w: spent key images required", ErrInvalidMessage)
	}
	if len(msg.OutputPublicKeys) == 0 {
		return nil, fmt.Errorf("%w: output public keys required", ErrInvalidMessage)
	}
	if msg.FeePicounits == 0 {
		return nil, fmt.Errorf("%w: fee required", ErrInvalidMessage)
	}
	if msg.BlockIndex == 0 {
		return nil, fmt.Errorf("%w: ledger block index required", ErrInvalidMessage)
	}
	if len(msg.Memo) > payment.MaxMemoLength {
		return nil, fmt.Errorf("%w: memo exceeds %d characters", ErrInvalidMessage, payment.MaxMemoLength)
	}

	// A defragmentation moves no value and names nobody; a payment must
	// name its counterparty and carry a positive amount.
	if msg.Defragmentation {
		if msg.CounterpartyID != "" || len(msg.RecipientAddress) != 0 {
			return nil, fmt.Errorf("%w: defragmentation names a recipient", ErrInvalidMessage)
		}
		if msg.Picounits != 0 {
			return nil, fmt.Errorf("%w: defragmentation moves no value", ErrInvalidMessage)
		}
		if msg.Memo != "" {
			return nil, fmt.Errorf("%w: defragmentation carries no memo", ErrInvalidMessage)
		}
	} else {
		if msg.CounterpartyID == "" {
			return nil, fmt.Errorf("%w: counterparty required", ErrInvalidMessage)
		}
		if msg.Picounits == 0 {
			return nil, fmt.Errorf("%w: amount required", ErrInvalidMessage)
		}
	}

	amount := payment.NewAmount(msg.Picounits)
	fee := payment.NewAmount(msg.FeePicounits)
	typ := payment.TypeOutgoingFromLinkedDevice
	if msg.Defragmentation {
		typ = payment.TypeOutgoingDefragFromLinkedDevice
	}
	rec := &payment.Record{
		ID:             payment.NewID(),
		Type:           typ,
		State:          payment.StateOutgoingComplete,
		Amount:         &amount,
		CounterpartyID: msg.CounterpartyID,
		Memo:           msg.Memo,
		RequestID:      msg.RequestID,
		CreatedAt:      b.now(),
		Ledger: payment.LedgerData{
			RecipientAddress: msg.RecipientAddress,
			ReceiptData:      msg.Receipt,
			SpentKeyImages:   msg.SpentKeyImages,
			OutputPublicKeys: msg.OutputPublicKeys,
			Fee:              &fee,
			BlockIndex:       msg.BlockIndex,
			BlockTimestampMS: msg.BlockTimestampMS,
		},
	}
	err := b.store.Insert(ctx, rec)
	if errors.Is(err, store.ErrRedundant) {
		existing, lookupErr := b.store.ByReceipt(ctx, msg.Receipt)
		if lookupErr == nil && len(existing) > 0 {
			return existing[0], nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// HandlePaymentRequest records an incoming request for payment.
func (b *Bridge) HandlePaymentRequest(ctx context.Context, req *payment.Request) error {
	if err := b.requireEnabled(ctx); err != nil {
		return err
	}
	return b.store.InsertRequest(ctx, req)
}

// HandleRequestCancellation withdraws a previously received request.
func (b *Bridge) HandleRequestCancellation(ctx context.Context, requestID string) error {
	if requestID == "" {
		return fmt.Errorf("%w: request id required", ErrInvalidMessage)
	}
	return b.store.DeleteRequest(ctx, requestID)
}

// PaymentSent delivers the counterparty notification and the device sync
// message for a payment that just reached the sending step. Implements
// the processor's notifier.
func (b *Bridge) PaymentSent(ctx context.Context, rec *payment.Record) error {
	if b.sender == nil {
		return errors.New("bridge: message sender not configured")
	}
	note := Notification{
		PaymentID: rec.ID,
		Receipt:   rec.Ledger.ReceiptData,
		Memo:      rec.Memo,
		RequestID: rec.RequestID,
	}
	if err := b.sender.SendPaymentNotification(ctx, rec.CounterpartyID, note); err != nil {
		return err
	}
	sync := SyncMessage{
		PaymentID:        rec.ID,
		CounterpartyID:   rec.CounterpartyID,
		RecipientAddress: rec.Ledger.RecipientAddress,
		Memo:             rec.Memo,
		RequestID:        rec.RequestID,
		Receipt:          rec.Ledger.ReceiptData,
		SpentKeyImages:   rec.Ledger.SpentKeyImages,
		OutputPublicKeys: rec.Ledger.OutputPublicKeys,
		BlockIndex:       rec.Ledger.BlockIndex,
		BlockTimestampMS: rec.Ledger.BlockTimestampMS,
		Defragmentation:  rec.Type.Defragmentation(),
	}
	if rec.Amount != nil {
		sync.Picounits = rec.Amount.Picounits
	}
	if rec.Ledger.Fee != nil {
		sync.FeePicounits = rec.Ledger.Fee.Picounits
	}
	return b.sender.SendSyncMessage(ctx, sync)
}

// PaymentReceived runs when an incoming payment completes. A payment
// carrying a request id fulfils and retires that request.
func (b *Bridge) PaymentReceived(ctx context.Context, rec *payment.Record) error {
	if rec.RequestID == "" {
		return nil
	}
	if err := b.store.DeleteRequest(ctx, rec.RequestID); err != nil {
		return err
	}
	b.log.Info("payment request fulfilled", "request_id", rec.RequestID, "payment_id", rec.ID)
	return nil
}
