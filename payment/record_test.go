package payment

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validOutgoing() *Record {
	amt := NewAmount(1_000_000)
	fee := NewAmount(400)
	return &Record{
		ID:             NewID(),
		Type:           TypeOutgoing,
		State:          StateOutgoingUnsubmitted,
		Amount:         &amt,
		CounterpartyID: "counterparty-1",
		CreatedAt:      time.Now(),
		Ledger: LedgerData{
			RecipientAddress: []byte("addr"),
			TransactionData:  []byte("tx"),
			ReceiptData:      []byte("receipt"),
			SpentKeyImages:   [][]byte{[]byte("image-1")},
			OutputPublicKeys: [][]byte{[]byte("output-1")},
			Fee:              &fee,
		},
	}
}

func validIncoming() *Record {
	amt := NewAmount(2_000_000)
	return &Record{
		ID:             NewID(),
		Type:           TypeIncoming,
		State:          StateIncomingComplete,
		Amount:         &amt,
		CounterpartyID: "counterparty-2",
		CreatedAt:      time.Now(),
		Ledger: LedgerData{
			ReceiptData:          []byte("receipt"),
			IncomingTxPublicKeys: [][]byte{[]byte("txo-1")},
			BlockIndex:           42,
			BlockTimestampMS:     1700000000000,
		},
	}
}

func TestValidateOutgoing(t *testing.T) {
	require.NoError(t, validOutgoing().Validate())

	cases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing id", func(r *Record) { r.ID = "" }},
		{"unknown type", func(r *Record) { r.Type = "wire_transfer" }},
		{"unknown state", func(r *Record) { r.State = "pending" }},
		{"type on wrong path", func(r *Record) { r.State = StateIncomingUnverified }},
		{"missing created date", func(r *Record) { r.CreatedAt = time.Time{} }},
		{"memo too long", func(r *Record) { r.Memo = strings.Repeat("x", MaxMemoLength+1) }},
		{"failure reason without failed state", func(r *Record) { r.FailureReason = FailureExpired }},
		{"failed state without reason", func(r *Record) { r.State = StateOutgoingFailed }},
		{"missing amount", func(r *Record) { r.Amount = nil }},
		{"zero amount", func(r *Record) { a := NewAmount(0); r.Amount = &a }},
		{"missing fee", func(r *Record) { r.Ledger.Fee = nil }},
		{"missing spent key images", func(r *Record) { r.Ledger.SpentKeyImages = nil }},
		{"missing output public keys", func(r *Record) { r.Ledger.OutputPublicKeys = nil }},
		{"unsubmitted without transaction data", func(r *Record) { r.Ledger.TransactionData = nil }},
		{"missing counterparty", func(r *Record) { r.CounterpartyID = "" }},
		{"verified without block index", func(r *Record) {
			r.State = StateOutgoingVerified
			r.Ledger.BlockIndex = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := validOutgoing()
			tc.mutate(rec)
			require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
		})
	}
}

func TestValidateOutgoingAllowances(t *testing.T) {
	// Transaction bytes may be dropped once the payment is submitted.
	rec := validOutgoing()
	rec.State = StateOutgoingUnverified
	rec.Ledger.TransactionData = nil
	require.NoError(t, rec.Validate())

	// Transfers move value between own addresses and carry no counterparty.
	rec = validOutgoing()
	rec.Type = TypeOutgoingTransfer
	rec.CounterpartyID = ""
	require.NoError(t, rec.Validate())

	// Defragmentations may legitimately net to zero.
	rec = validOutgoing()
	rec.Type = TypeOutgoingDefragmentation
	rec.CounterpartyID = ""
	zero := NewAmount(0)
	rec.Amount = &zero
	require.NoError(t, rec.Validate())

	// Failed records keep whatever partial data they had.
	rec = validOutgoing()
	rec.State = StateOutgoingFailed
	rec.FailureReason = FailureInsufficientFunds
	rec.Amount = nil
	rec.Ledger.Fee = nil
	require.NoError(t, rec.Validate())
}

func TestValidateIncoming(t *testing.T) {
	require.NoError(t, validIncoming().Validate())

	cases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing receipt data", func(r *Record) { r.Ledger.ReceiptData = nil }},
		{"verified without tx public keys", func(r *Record) { r.Ledger.IncomingTxPublicKeys = nil }},
		{"spent key images on identified incoming", func(r *Record) {
			r.Ledger.SpentKeyImages = [][]byte{[]byte("image")}
		}},
		{"output public keys on incoming", func(r *Record) {
			r.Ledger.OutputPublicKeys = [][]byte{[]byte("output")}
		}},
		{"missing counterparty", func(r *Record) { r.CounterpartyID = "" }},
		{"missing amount", func(r *Record) { r.Amount = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := validIncoming()
			tc.mutate(rec)
			require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
		})
	}

	// The amount is unknown until the receipt verifies.
	rec := validIncoming()
	rec.State = StateIncomingUnverified
	rec.Amount = nil
	rec.Ledger.IncomingTxPublicKeys = nil
	rec.Ledger.BlockIndex = 0
	require.NoError(t, rec.Validate())
}

func TestValidateUnidentifiedPlaceholders(t *testing.T) {
	amt := NewAmount(300)
	rec := &Record{
		ID:        NewID(),
		Type:      TypeIncomingUnidentified,
		State:     StateIncomingComplete,
		Amount:    &amt,
		CreatedAt: time.Now(),
		Unread:    true,
		Ledger: LedgerData{
			IncomingTxPublicKeys: [][]byte{[]byte("txo-1")},
			// A block can net incoming when it also spent smaller change.
			SpentKeyImages: [][]byte{[]byte("image-1")},
			BlockIndex:     7,
		},
	}
	require.NoError(t, rec.Validate())

	// Placeholders never have a counterparty, receipt, or fee.
	rec.Type = TypeOutgoingUnidentified
	rec.State = StateOutgoingComplete
	require.NoError(t, rec.Validate())

	// But they still require a block index to anchor them to the ledger.
	rec.Ledger.BlockIndex = 0
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}

func TestClone(t *testing.T) {
	rec := validOutgoing()
	rec.Ledger.BlockIndex = 9
	cp := rec.Clone()
	require.Equal(t, rec, cp)

	cp.State = StateOutgoingUnverified
	cp.Amount.Picounits = 1
	cp.Ledger.Fee.Picounits = 2
	cp.Ledger.SpentKeyImages[0][0] = 'z'
	cp.Ledger.TransactionData[0] = 'z'

	require.Equal(t, StateOutgoingUnsubmitted, rec.State)
	require.Equal(t, uint64(1_000_000), rec.Amount.Picounits)
	require.Equal(t, uint64(400), rec.Ledger.Fee.Picounits)
	require.Equal(t, []byte("image-1"), rec.Ledger.SpentKeyImages[0])
	require.Equal(t, []byte("tx"), rec.Ledger.TransactionData)

	var nilRec *Record
	require.Nil(t, nilRec.Clone())
}

func TestRequestValidate(t *testing.T) {
	req := &Request{
		RequestID:      "req-1",
		CounterpartyID: "counterparty-1",
		Amount:         NewAmount(500),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, req.Validate())

	var nilReq *Request
	require.ErrorIs(t, nilReq.Validate(), ErrInvalidRecord)

	bad := *req
	bad.RequestID = ""
	require.ErrorIs(t, bad.Validate(), ErrInvalidRecord)

	bad = *req
	bad.CounterpartyID = ""
	require.ErrorIs(t, bad.Validate(), ErrInvalidRecord)

	bad = *req
	bad.Amount = NewAmount(0)
	require.ErrorIs(t, bad.Validate(), ErrInvalidRecord)

	bad = *req
	bad.Memo = strings.Repeat("m", MaxMemoLength+1)
	require.ErrorIs(t, bad.Validate(), ErrInvalidRecord)
}
