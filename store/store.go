package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"

	"paycore/payment"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("store: database path must be configured")

	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("store: record not found")

	// ErrRedundant is returned by Insert when the proposed record
	// collides with an existing one on transaction bytes, receipt bytes,
	// or key material.
	ErrRedundant = errors.New("store: redundant payment record")

	// ErrStateConflict is returned by UpdateState when the persisted
	// state no longer matches the expected from-state. It signals a
	// concurrent mutation, never a condition to retry blindly.
	ErrStateConflict = errors.New("store: payment state conflict")
)

// Store is the durable source of truth for payment records. All mutation
// happens inside serialized write transactions.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex

	changeMu sync.Mutex
	onChange []func()
}

// Open initialises the backing sqlite store at path (or DSN).
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Subscribe registers fn to run after every successful payment record
// mutation. Used by the scheduler to re-trigger processing.
func (s *Store) Subscribe(fn func()) {
	s.changeMu.Lock()
	s.onChange = append(s.onChange, fn)
	s.changeMu.Unlock()
}

func (s *Store) notifyChanged() {
	s.changeMu.Lock()
	subs := make([]func(), len(s.onChange))
	copy(subs, s.onChange)
	s.changeMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Insert persists a new record after enforcing the redundancy invariants:
// at most one record per raw transaction, per receipt, and (for identified
// records with a known block index) pairwise-disjoint spent key images and
// output public keys against other identified records.
func (s *Store) Insert(ctx context.Context, rec *payment.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkRedundant(ctx, tx, rec); err != nil {
		return err
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	s.notifyChanged()
	return nil
}

func (s *Store) checkRedundant(ctx context.Context, tx *sql.Tx, rec *payment.Record) error {
	if len(rec.Ledger.TransactionData) > 0 {
		existing, err := queryRecords(ctx, tx, "SELECT "+recordColumns+" FROM payment_records WHERE transaction_data = ?", rec.Ledger.TransactionData)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: duplicate transaction data", ErrRedundant)
		}
	}
	if len(rec.Ledger.ReceiptData) > 0 {
		existing, err := queryRecords(ctx, tx, "SELECT "+recordColumns+" FROM payment_records WHERE receipt_data = ?", rec.Ledger.ReceiptData)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: duplicate receipt data", ErrRedundant)
		}
	}

	// Key-material conflicts only apply between identified records;
	// reconciliation culls unidentified duplicates on its own.
	if rec.Unidentified() || !rec.Ledger.HasBlockIndex() {
		return nil
	}
	others, err := queryRecords(ctx, tx, "SELECT "+recordColumns+" FROM payment_records WHERE block_index = ?", rec.Ledger.BlockIndex)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.Unidentified() {
			continue
		}
		if other.ID == rec.ID {
			return fmt.Errorf("%w: duplicate id %s", ErrRedundant, rec.ID)
		}
		if blobsIntersect(rec.Ledger.SpentKeyImages, other.Ledger.SpentKeyImages) {
			return fmt.Errorf("%w: spent key image conflict with %s", ErrRedundant, other.ID)
		}
		if blobsIntersect(rec.Ledger.OutputPublicKeys, other.Ledger.OutputPublicKeys) {
			return fmt.Errorf("%w: output public key conflict with %s", ErrRedundant, other.ID)
		}
	}
	return nil
}

// UpdateState transitions a record from -> to, applying mutate (which may
// be nil) to the freshly loaded record before the state is changed. The
// update fails with ErrStateConflict unless the persisted state equals
// from, and with payment.ErrInvalidTransition for an edge not in the
// state graph.
func (s *Store) UpdateState(ctx context.Context, id string, from, to payment.State, mutate func(*payment.Record) error) (*payment.Record, error) {
	if err := payment.CheckTransition(from, to); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, id, rec.State, from)
	}
	if mutate != nil {
		if err := mutate(rec); err != nil {
			return nil, err
		}
	}
	rec.State = to
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := saveRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	s.notifyChanged()
	return rec, nil
}

// SetBlockTimestamp backfills a missing ledger block timestamp without a
// state change. Used by reconciliation when a neighbouring record reveals
// the block's timestamp.
func (s *Store) SetBlockTimestamp(ctx context.Context, id string, timestampMS uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_records SET block_timestamp_ms = ? WHERE id = ? AND block_timestamp_ms = 0",
		timestampMS, id)
	if err != nil {
		return fmt.Errorf("set block timestamp: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyChanged()
	}
	return nil
}

// MarkRead clears the unread flag.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "UPDATE payment_records SET unread = 0 WHERE id = ?", id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Delete removes a record. Reserved for indeterminate-payment cleanup and
// placeholder retirement; regular payments are never deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM payment_records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyChanged()
	}
	return nil
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (*payment.Record, error) {
	return getRecordDB(ctx, s.db, id)
}

// InStates returns every record whose state is in states, ordered by
// creation time.
func (s *Store) InStates(ctx context.Context, states []payment.State) ([]*payment.Record, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := "SELECT " + recordColumns + " FROM payment_records WHERE state IN (" +
		strings.Join(placeholders, ",") + ") ORDER BY created_at_ms ASC"
	return queryRecordsDB(ctx, s.db, query, args...)
}

// ByTransaction returns records carrying these exact transaction bytes.
func (s *Store) ByTransaction(ctx context.Context, txData []byte) ([]*payment.Record, error) {
	return queryRecordsDB(ctx, s.db, "SELECT "+recordColumns+" FROM payment_records WHERE transaction_data = ?", txData)
}

// ByReceipt returns records carrying these exact receipt bytes.
func (s *Store) ByReceipt(ctx context.Context, receipt []byte) ([]*payment.Record, error) {
	return queryRecordsDB(ctx, s.db, "SELECT "+recordColumns+" FROM payment_records WHERE receipt_data = ?", receipt)
}

// ByBlockIndex returns records settled in the given ledger block.
func (s *Store) ByBlockIndex(ctx context.Context, blockIndex uint64) ([]*payment.Record, error) {
	return queryRecordsDB(ctx, s.db, "SELECT "+recordColumns+" FROM payment_records WHERE block_index = ?", blockIndex)
}

// ByRequestID returns the record correlated with an outstanding payment
// request, if any.
func (s *Store) ByRequestID(ctx context.Context, requestID string) (*payment.Record, error) {
	recs, err := queryRecordsDB(ctx, s.db, "SELECT "+recordColumns+" FROM payment_records WHERE request_id = ?", requestID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// All returns the full payment history, ordered by creation time.
// Reconciliation loads this to build its in-memory index.
func (s *Store) All(ctx context.Context) ([]*payment.Record, error) {
	return queryRecordsDB(ctx, s.db, "SELECT "+recordColumns+" FROM payment_records ORDER BY created_at_ms ASC")
}

const recordColumns = `id, type, state, amount_picounits, amount_currency, counterparty_id,
memo, request_id, created_at_ms, unread, failure, recipient_address, transaction_data,
receipt_data, incoming_tx_public_keys, spent_key_images, output_public_keys,
block_index, block_timestamp_ms, fee_picounits`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*payment.Record, error) {
	var (
		rec          payment.Record
		amountPico   sql.NullInt64
		amountCur    sql.NullString
		createdAtMS  int64
		unread       int
		incomingKeys sql.NullString
		spentImages  sql.NullString
		outputKeys   sql.NullString
		feePico      sql.NullInt64
		typeStr      string
		stateStr     string
		failureStr   string
	)
	err := row.Scan(&rec.ID, &typeStr, &stateStr, &amountPico, &amountCur, &rec.CounterpartyID,
		&rec.Memo, &rec.RequestID, &createdAtMS, &unread, &failureStr,
		&rec.Ledger.RecipientAddress, &rec.Ledger.TransactionData, &rec.Ledger.ReceiptData,
		&incomingKeys, &spentImages, &outputKeys,
		&rec.Ledger.BlockIndex, &rec.Ledger.BlockTimestampMS, &feePico)
	if err != nil {
		return nil, err
	}
	rec.Type = payment.Type(typeStr)
	rec.State = payment.State(stateStr)
	rec.FailureReason = payment.Failure(failureStr)
	rec.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	rec.Unread = unread != 0
	if amountPico.Valid {
		amt := payment.Amount{Currency: payment.Currency(amountCur.String), Picounits: uint64(amountPico.Int64)}
		rec.Amount = &amt
	}
	if feePico.Valid {
		fee := payment.NewAmount(uint64(feePico.Int64))
		rec.Ledger.Fee = &fee
	}
	if rec.Ledger.IncomingTxPublicKeys, err = decodeBlobs(incomingKeys); err != nil {
		return nil, err
	}
	if rec.Ledger.SpentKeyImages, err = decodeBlobs(spentImages); err != nil {
		return nil, err
	}
	if rec.Ledger.OutputPublicKeys, err = decodeBlobs(outputKeys); err != nil {
		return nil, err
	}
	return &rec, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRecord(ctx context.Context, q queryer, id string) (*payment.Record, error) {
	row := q.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM payment_records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return rec, nil
}

func getRecordDB(ctx context.Context, db *sql.DB, id string) (*payment.Record, error) {
	return getRecord(ctx, db, id)
}

func queryRecords(ctx context.Context, q queryer, query string, args ...any) ([]*payment.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []*payment.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func queryRecordsDB(ctx context.Context, db *sql.DB, query string, args ...any) ([]*payment.Record, error) {
	return queryRecords(ctx, db, query, args...)
}

func insertRecord(ctx context.Context, q queryer, rec *payment.Record) error {
	_, err := q.ExecContext(ctx, `
        INSERT INTO payment_records (`+recordColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func saveRecord(ctx context.Context, q queryer, rec *payment.Record) error {
	_, err := q.ExecContext(ctx, `
        UPDATE payment_records SET
            type = ?, state = ?, amount_picounits = ?, amount_currency = ?,
            counterparty_id = ?, memo = ?, request_id = ?, created_at_ms = ?,
            unread = ?, failure = ?, recipient_address = ?, transaction_data = ?,
            receipt_data = ?, incoming_tx_public_keys = ?, spent_key_images = ?,
            output_public_keys = ?, block_index = ?, block_timestamp_ms = ?, fee_picounits = ?
        WHERE id = ?
    `, append(recordArgs(rec)[1:], rec.ID)...)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func recordArgs(rec *payment.Record) []any {
	var (
		amountPico any
		amountCur  any
		feePico    any
	)
	if rec.Amount != nil {
		amountPico = int64(rec.Amount.Picounits)
		amountCur = string(rec.Amount.Currency)
	}
	if rec.Ledger.Fee != nil {
		feePico = int64(rec.Ledger.Fee.Picounits)
	}
	unread := 0
	if rec.Unread {
		unread = 1
	}
	return []any{
		rec.ID, string(rec.Type), string(rec.State), amountPico, amountCur, rec.CounterpartyID,
		rec.Memo, rec.RequestID, rec.CreatedAt.UnixMilli(), unread, string(rec.FailureReason),
		rec.Ledger.RecipientAddress, rec.Ledger.TransactionData, rec.Ledger.ReceiptData,
		encodeBlobs(rec.Ledger.IncomingTxPublicKeys), encodeBlobs(rec.Ledger.SpentKeyImages),
		encodeBlobs(rec.Ledger.OutputPublicKeys), rec.Ledger.BlockIndex, rec.Ledger.BlockTimestampMS, feePico,
	}
}

func encodeBlobs(bs [][]byte) any {
	if len(bs) == 0 {
		return nil
	}
	data, err := json.Marshal(bs)
	if err != nil {
		// [][]byte cannot fail to marshal.
		panic(err)
	}
	return string(data)
}

func decodeBlobs(col sql.NullString) ([][]byte, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var out [][]byte
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return nil, fmt.Errorf("decode blob list: %w", err)
	}
	return out, nil
}

func blobsIntersect(a, b [][]byte) bool {
	for _, x := range a {
		for _, y := range b {
			if bytes.Equal(x, y) {
				return true
			}
		}
	}
	return false
}
