package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paycore/payment"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func outgoingRecord(tb testing.TB) *payment.Record {
	tb.Helper()
	amount := payment.NewAmount(1_000_000_000)
	fee := payment.NewAmount(400_000_000)
	return &payment.Record{
		ID:             payment.NewID(),
		Type:           payment.TypeOutgoing,
		State:          payment.StateOutgoingUnsubmitted,
		Amount:         &amount,
		CounterpartyID: "aci:alice",
		CreatedAt:      time.Now().UTC(),
		Ledger: payment.LedgerData{
			RecipientAddress: []byte("recipient-address"),
			TransactionData:  []byte("serialized-transaction"),
			ReceiptData:      []byte("serialized-receipt"),
			SpentKeyImages:   [][]byte{[]byte("key-image-1")},
			OutputPublicKeys: [][]byte{[]byte("output-key-1")},
			Fee:              &fee,
		},
	}
}

func incomingRecord(tb testing.TB) *payment.Record {
	tb.Helper()
	return &payment.Record{
		ID:             payment.NewID(),
		Type:           payment.TypeIncoming,
		State:          payment.StateIncomingUnverified,
		CounterpartyID: "aci:bob",
		CreatedAt:      time.Now().UTC(),
		Unread:         true,
		Ledger: payment.LedgerData{
			ReceiptData:          []byte("incoming-receipt"),
			IncomingTxPublicKeys: [][]byte{[]byte("incoming-tx-key")},
		},
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := outgoingRecord(t)
	rec.Memo = "lunch"
	require.NoError(t, st.Insert(ctx, rec))

	loaded, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.Type, loaded.Type)
	require.Equal(t, rec.State, loaded.State)
	require.Equal(t, rec.Amount.Picounits, loaded.Amount.Picounits)
	require.Equal(t, rec.CounterpartyID, loaded.CounterpartyID)
	require.Equal(t, "lunch", loaded.Memo)
	require.Equal(t, rec.Ledger.TransactionData, loaded.Ledger.TransactionData)
	require.Equal(t, rec.Ledger.SpentKeyImages, loaded.Ledger.SpentKeyImages)
	require.Equal(t, rec.Ledger.Fee.Picounits, loaded.Ledger.Fee.Picounits)
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	st := openTestStore(t)

	rec := outgoingRecord(t)
	rec.CounterpartyID = ""
	err := st.Insert(context.Background(), rec)
	require.ErrorIs(t, err, payment.ErrInvalidRecord)
}

func TestInsertRejectsDuplicateTransaction(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := outgoingRecord(t)
	require.NoError(t, st.Insert(ctx, first))

	second := outgoingRecord(t)
	second.Ledger.TransactionData = first.Ledger.TransactionData
	second.Ledger.ReceiptData = []byte("other-receipt")
	second.Ledger.SpentKeyImages = [][]byte{[]byte("key-image-2")}
	second.Ledger.OutputPublicKeys = [][]byte{[]byte("output-key-2")}
	require.ErrorIs(t, st.Insert(ctx, second), ErrRedundant)
}

func TestInsertRejectsDuplicateReceipt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := incomingRecord(t)
	require.NoError(t, st.Insert(ctx, first))

	second := incomingRecord(t)
	second.Ledger.ReceiptData = first.Ledger.ReceiptData
	second.Ledger.IncomingTxPublicKeys = [][]byte{[]byte("incoming-tx-key-2")}
	require.ErrorIs(t, st.Insert(ctx, second), ErrRedundant)
}

func TestInsertRejectsSpentKeyImageConflict(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	amount := payment.NewAmount(500)
	fee := payment.NewAmount(10)
	settled := outgoingRecord(t)
	settled.State = payment.StateOutgoingComplete
	settled.Ledger.BlockIndex = 42
	settled.Ledger.BlockTimestampMS = 1_700_000_000_000
	require.NoError(t, st.Insert(ctx, settled))

	conflicting := &payment.Record{
		ID:        payment.NewID(),
		Type:      payment.TypeOutgoingTransfer,
		State:     payment.StateOutgoingComplete,
		Amount:    &amount,
		CreatedAt: time.Now().UTC(),
		Ledger: payment.LedgerData{
			TransactionData:  []byte("other-transaction"),
			ReceiptData:      []byte("other-receipt"),
			SpentKeyImages:   settled.Ledger.SpentKeyImages,
			OutputPublicKeys: [][]byte{[]byte("other-output")},
			BlockIndex:       42,
			BlockTimestampMS: 1_700_000_000_000,
			Fee:              &fee,
		},
	}
	require.ErrorIs(t, st.Insert(ctx, conflicting), ErrRedundant)
}

func TestInsertAllowsUnidentifiedKeyOverlap(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	settled := outgoingRecord(t)
	settled.State = payment.StateOutgoingComplete
	settled.Ledger.BlockIndex = 42
	settled.Ledger.BlockTimestampMS = 1_700_000_000_000
	require.NoError(t, st.Insert(ctx, settled))

	// Reconciliation placeholders may share key material with identified
	// records at the same block; they are candidates for culling, not errors.
	amount := payment.NewAmount(500)
	placeholder := &payment.Record{
		ID:        payment.NewID(),
		Type:      payment.TypeOutgoingUnidentified,
		State:     payment.StateOutgoingComplete,
		Amount:    &amount,
		CreatedAt: time.Now().UTC(),
		Ledger: payment.LedgerData{
			SpentKeyImages:   settled.Ledger.SpentKeyImages,
			BlockIndex:       42,
			BlockTimestampMS: 1_700_000_000_000,
		},
	}
	require.NoError(t, st.Insert(ctx, placeholder))
}

func TestUpdateStateCAS(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := outgoingRecord(t)
	require.NoError(t, st.Insert(ctx, rec))

	updated, err := st.UpdateState(ctx, rec.ID, payment.StateOutgoingUnsubmitted, payment.StateOutgoingUnverified, nil)
	require.NoError(t, err)
	require.Equal(t, payment.StateOutgoingUnverified, updated.State)

	// Stale from-state loses.
	_, err = st.UpdateState(ctx, rec.ID, payment.StateOutgoingUnsubmitted, payment.StateOutgoingUnverified, nil)
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestUpdateStateRejectsInvalidEdge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := outgoingRecord(t)
	require.NoError(t, st.Insert(ctx, rec))

	_, err := st.UpdateState(ctx, rec.ID, payment.StateOutgoingUnsubmitted, payment.StateOutgoingComplete, nil)
	require.ErrorIs(t, err, payment.ErrInvalidTransition)
}

func TestUpdateStateAppliesMutation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := outgoingRecord(t)
	require.NoError(t, st.Insert(ctx, rec))
	_, err := st.UpdateState(ctx, rec.ID, payment.StateOutgoingUnsubmitted, payment.StateOutgoingUnverified, nil)
	require.NoError(t, err)

	updated, err := st.UpdateState(ctx, rec.ID, payment.StateOutgoingUnverified, payment.StateOutgoingVerified,
		func(r *payment.Record) error {
			r.Ledger.BlockIndex = 99
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, uint64(99), updated.Ledger.BlockIndex)

	loaded, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(99), loaded.Ledger.BlockIndex)
}

func TestInStatesOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	older := outgoingRecord(t)
	older.CreatedAt = time.Now().Add(-time.Hour).UTC()
	newer := outgoingRecord(t)
	newer.Ledger.TransactionData = []byte("newer-transaction")
	newer.Ledger.ReceiptData = []byte("newer-receipt")
	newer.Ledger.SpentKeyImages = [][]byte{[]byte("newer-key-image")}
	newer.Ledger.OutputPublicKeys = [][]byte{[]byte("newer-output-key")}
	require.NoError(t, st.Insert(ctx, newer))
	require.NoError(t, st.Insert(ctx, older))

	recs, err := st.InStates(ctx, []payment.State{payment.StateOutgoingUnsubmitted})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, older.ID, recs[0].ID)
	require.Equal(t, newer.ID, recs[1].ID)
}

func TestSetBlockTimestampOnlyFillsMissing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := outgoingRecord(t)
	require.NoError(t, st.Insert(ctx, rec))
	require.NoError(t, st.SetBlockTimestamp(ctx, rec.ID, 1_700_000_000_000))
	require.NoError(t, st.SetBlockTimestamp(ctx, rec.ID, 9_999_999_999_999))

	loaded, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_000_000), loaded.Ledger.BlockTimestampMS)
}

func TestDelete(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := outgoingRecord(t)
	require.NoError(t, st.Insert(ctx, rec))
	require.NoError(t, st.Delete(ctx, rec.ID))

	_, err := st.Get(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChangeNotifications(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var fired int
	st.Subscribe(func() { fired++ })

	rec := outgoingRecord(t)
	require.NoError(t, st.Insert(ctx, rec))
	_, err := st.UpdateState(ctx, rec.ID, payment.StateOutgoingUnsubmitted, payment.StateOutgoingUnverified, nil)
	require.NoError(t, err)
	require.Equal(t, 2, fired)
}

func TestEnabledFlagAndEntropy(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	enabled, err := st.Enabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)

	require.NoError(t, st.SetEnabled(ctx, true))
	require.NoError(t, st.SetEntropy(ctx, []byte("account-entropy-seed")))

	enabled, err = st.Enabled(ctx)
	require.NoError(t, err)
	require.True(t, enabled)

	entropy, err := st.Entropy(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("account-entropy-seed"), entropy)
}

func TestReconCursorRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cursor, err := st.ReconCursor(ctx)
	require.NoError(t, err)
	require.Zero(t, cursor.BlockCount)

	want := ReconCursor{
		BlockCount:       120,
		SpentTXOCount:    4,
		ReceivedTXOCount: 9,
		SucceededAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, st.SetReconCursor(ctx, want))

	got, err := st.ReconCursor(ctx)
	require.NoError(t, err)
	require.True(t, got.Matches(120, 4, 9))
	require.False(t, got.Matches(121, 4, 9))
}

func TestPaymentRequests(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	req := &payment.Request{
		RequestID:      "req-1",
		CounterpartyID: "aci:carol",
		Amount:         payment.NewAmount(2_500_000_000),
		Memo:           "rent",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.InsertRequest(ctx, req))

	loaded, err := st.Request(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, req.Amount.Picounits, loaded.Amount.Picounits)
	require.Equal(t, "rent", loaded.Memo)

	require.NoError(t, st.DeleteRequest(ctx, "req-1"))
	_, err = st.Request(ctx, "req-1")
	require.ErrorIs(t, err, ErrNotFound)
}
