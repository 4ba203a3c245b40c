package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paycore/payment"
)

const (
	collectionAccount = "account"
	collectionRecon   = "reconciliation"

	keyEnabled = "enabled"
	keyEntropy = "entropy"
	keyCursor  = "cursor"
)

// ReconCursor is the reconciliation change-detection snapshot. A new
// account activity feed is reconciled only when one of these fields
// moved since the last successful pass.
type ReconCursor struct {
	BlockCount       uint64    `json:"blockCount"`
	SpentTXOCount    int       `json:"spentTxoCount"`
	ReceivedTXOCount int       `json:"receivedTxoCount"`
	SucceededAt      time.Time `json:"succeededAt"`
}

// Matches reports whether the feed described by the arguments is the one
// this cursor was taken from.
func (c ReconCursor) Matches(blockCount uint64, spent, received int) bool {
	return c.BlockCount == blockCount && c.SpentTXOCount == spent && c.ReceivedTXOCount == received
}

func (s *Store) getKV(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE collection = ? AND key = ?", collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (s *Store) setKV(ctx context.Context, collection, key string, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO kv (collection, key, value) VALUES (?, ?, ?)
        ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value
    `, collection, key, value)
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", collection, key, err)
	}
	return nil
}

// Enabled reports whether payments are switched on for this account.
// A missing flag means disabled.
func (s *Store) Enabled(ctx context.Context) (bool, error) {
	value, err := s.getKV(ctx, collectionAccount, keyEnabled)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

// SetEnabled flips the account-level payments switch.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	value := []byte{0}
	if enabled {
		value[0] = 1
	}
	return s.setKV(ctx, collectionAccount, keyEnabled, value)
}

// Entropy returns the account's ledger key entropy, or ErrNotFound when
// payments were never enabled.
func (s *Store) Entropy(ctx context.Context) ([]byte, error) {
	return s.getKV(ctx, collectionAccount, keyEntropy)
}

// SetEntropy records the account's ledger key entropy.
func (s *Store) SetEntropy(ctx context.Context, entropy []byte) error {
	if len(entropy) == 0 {
		return errors.New("store: entropy must not be empty")
	}
	return s.setKV(ctx, collectionAccount, keyEntropy, entropy)
}

// ReconCursor returns the last successful reconciliation snapshot. A zero
// cursor is returned when no pass has succeeded yet.
func (s *Store) ReconCursor(ctx context.Context) (ReconCursor, error) {
	value, err := s.getKV(ctx, collectionRecon, keyCursor)
	if errors.Is(err, ErrNotFound) {
		return ReconCursor{}, nil
	}
	if err != nil {
		return ReconCursor{}, err
	}
	var cursor ReconCursor
	if err := json.Unmarshal(value, &cursor); err != nil {
		return ReconCursor{}, fmt.Errorf("decode recon cursor: %w", err)
	}
	return cursor, nil
}

// SetReconCursor persists the snapshot taken after a successful
// reconciliation pass.
func (s *Store) SetReconCursor(ctx context.Context, cursor ReconCursor) error {
	value, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode recon cursor: %w", err)
	}
	return s.setKV(ctx, collectionRecon, keyCursor, value)
}

// InsertRequest records an incoming payment request so a later payment
// can be correlated back to it.
func (s *Store) InsertRequest(ctx context.Context, req *payment.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payment_requests (request_id, counterparty_id, amount_picounits, memo, created_at_ms)
        VALUES (?, ?, ?, ?, ?)
    `, req.RequestID, req.CounterpartyID, int64(req.Amount.Picounits), req.Memo, req.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Request loads a payment request by id.
func (s *Store) Request(ctx context.Context, requestID string) (*payment.Request, error) {
	var (
		req         payment.Request
		pico        int64
		createdAtMS int64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT request_id, counterparty_id, amount_picounits, memo, created_at_ms
        FROM payment_requests WHERE request_id = ?
    `, requestID).Scan(&req.RequestID, &req.CounterpartyID, &pico, &req.Memo, &createdAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	req.Amount = payment.NewAmount(uint64(pico))
	req.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	return &req, nil
}

// DeleteRequest removes a fulfilled or cancelled payment request.
func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM payment_requests WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}
