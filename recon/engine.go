// Package recon rebuilds local payment history from the ledger's
// authoritative account activity feed. Payments that exist on the ledger
// but not locally become unidentified placeholder records; placeholders
// made redundant by later-arriving identified records are culled.
package recon

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"time"

	"paycore/ledger"
	"paycore/observability"
	"paycore/payment"
	"paycore/store"
)

// minPassInterval caps how long change detection may suppress a full
// pass. After it elapses, the next request reconciles even an unchanged
// feed.
const minPassInterval = time.Hour

// Engine performs reconciliation passes. Passes are cheap to request:
// the activity feed's block count and TXO counts act as a change
// detector, so an unchanged ledger costs one RPC.
type Engine struct {
	store   *store.Store
	ledger  ledger.Client
	log     *slog.Logger
	metrics *observability.ReconMetrics
	now     func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine builds a reconciliation engine over the store and ledger.
func NewEngine(st *store.Store, lc ledger.Client, opts ...Option) *Engine {
	eng := &Engine{
		store:   st,
		ledger:  lc,
		log:     slog.Default().With("component", "recon"),
		metrics: observability.Recon(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Reconcile runs one full pass: fetch the activity feed, skip if nothing
// moved since the last success, otherwise create omnibus placeholders for
// unaccounted activity, cull redundant placeholders, and backfill block
// timestamps the feed reveals.
func (e *Engine) Reconcile(ctx context.Context) error {
	start := e.now()
	activity, err := e.ledger.AccountActivity(ctx)
	if err != nil {
		e.metrics.RecordPass("error", e.now().Sub(start))
		return err
	}
	spent, received := countTXOs(activity)

	cursor, err := e.store.ReconCursor(ctx)
	if err != nil {
		e.metrics.RecordPass("error", e.now().Sub(start))
		return err
	}
	fresh := !cursor.SucceededAt.IsZero() && e.now().Sub(cursor.SucceededAt) < minPassInterval
	if fresh && cursor.Matches(activity.BlockCount, spent, received) {
		e.metrics.RecordPass("unchanged", e.now().Sub(start))
		return nil
	}

	records, err := e.store.All(ctx)
	if err != nil {
		e.metrics.RecordPass("error", e.now().Sub(start))
		return err
	}

	created, err := e.createPlaceholders(ctx, activity, records)
	if err != nil {
		e.metrics.RecordPass("error", e.now().Sub(start))
		return err
	}
	culled, err := e.cullPlaceholders(ctx, records)
	if err != nil {
		e.metrics.RecordPass("error", e.now().Sub(start))
		return err
	}
	backfilled, err := e.backfillTimestamps(ctx, activity, records)
	if err != nil {
		e.metrics.RecordPass("error", e.now().Sub(start))
		return err
	}

	err = e.store.SetReconCursor(ctx, store.ReconCursor{
		BlockCount:       activity.BlockCount,
		SpentTXOCount:    spent,
		ReceivedTXOCount: received,
		SucceededAt:      e.now(),
	})
	if err != nil {
		e.metrics.RecordPass("error", e.now().Sub(start))
		return err
	}

	e.metrics.RecordPass("success", e.now().Sub(start))
	e.metrics.RecordAction("created", created)
	e.metrics.RecordAction("culled", culled)
	e.log.Info("reconciliation pass",
		"block_count", activity.BlockCount,
		"created", created, "culled", culled, "timestamps_backfilled", backfilled)
	return nil
}

func countTXOs(activity ledger.AccountActivity) (spent, received int) {
	received = len(activity.Items)
	for _, item := range activity.Items {
		if item.SpentBlock != nil {
			spent++
		}
	}
	return spent, received
}

// accounting is the key-material index over existing records used to
// decide which feed items are already explained.
type accounting struct {
	receivedKeys map[string]bool
	spentImages  map[string]bool
}

func indexRecords(records []*payment.Record) accounting {
	acc := accounting{
		receivedKeys: make(map[string]bool),
		spentImages:  make(map[string]bool),
	}
	for _, rec := range records {
		if rec.State.Failed() {
			continue
		}
		for _, key := range rec.Ledger.IncomingTxPublicKeys {
			acc.receivedKeys[hex.EncodeToString(key)] = true
		}
		// Outputs of own outgoing payments cover the change TXOs the
		// feed reports as received.
		for _, key := range rec.Ledger.OutputPublicKeys {
			acc.receivedKeys[hex.EncodeToString(key)] = true
		}
		for _, image := range rec.Ledger.SpentKeyImages {
			acc.spentImages[hex.EncodeToString(image)] = true
		}
	}
	return acc
}

// blockActivity accumulates the unaccounted feed legs for one ledger
// block. One omnibus placeholder is created per block with any activity
// left over.
type blockActivity struct {
	blockIndex   uint64
	timestampMS  uint64
	spent        uint64
	received     uint64
	keyImages    [][]byte
	txPublicKeys [][]byte
}

func (e *Engine) createPlaceholders(ctx context.Context, activity ledger.AccountActivity, records []*payment.Record) (int, error) {
	acc := indexRecords(records)
	timestamps := feedTimestamps(activity)

	byBlock := make(map[uint64]*blockActivity)
	activityFor := func(index uint64) *blockActivity {
		a := byBlock[index]
		if a == nil {
			a = &blockActivity{blockIndex: index, timestampMS: timestamps[index]}
			byBlock[index] = a
		}
		return a
	}
	for _, item := range activity.Items {
		if !acc.receivedKeys[hex.EncodeToString(item.TxPublicKey)] {
			a := activityFor(item.ReceivedBlock.Index)
			a.received += item.Picounits
			a.txPublicKeys = append(a.txPublicKeys, item.TxPublicKey)
		}
		if item.SpentBlock != nil && !acc.spentImages[hex.EncodeToString(item.KeyImage)] {
			a := activityFor(item.SpentBlock.Index)
			a.spent += item.Picounits
			a.keyImages = append(a.keyImages, item.KeyImage)
		}
	}

	created := 0
	for _, a := range sortedActivity(byBlock) {
		// Multiple unaccounted payments in one block cannot be separated
		// reliably, so the whole block nets into a single record whose
		// direction is the sign of the net value.
		outgoing := a.spent > a.received
		var net uint64
		if outgoing {
			net = a.spent - a.received
		} else {
			net = a.received - a.spent
		}
		if net == 0 {
			continue
		}
		amount := payment.NewAmount(net)
		rec := &payment.Record{
			ID:        payment.NewID(),
			Type:      payment.TypeIncomingUnidentified,
			State:     payment.StateIncomingComplete,
			Amount:    &amount,
			CreatedAt: e.guesstimateCreatedAt(a, timestamps),
			Unread:    true,
			Ledger: payment.LedgerData{
				IncomingTxPublicKeys: a.txPublicKeys,
				SpentKeyImages:       a.keyImages,
				BlockIndex:           a.blockIndex,
				BlockTimestampMS:     a.timestampMS,
			},
		}
		if outgoing {
			rec.Type = payment.TypeOutgoingUnidentified
			rec.State = payment.StateOutgoingComplete
		}
		if err := e.store.Insert(ctx, rec); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func sortedActivity(byBlock map[uint64]*blockActivity) []*blockActivity {
	out := make([]*blockActivity, 0, len(byBlock))
	for _, a := range byBlock {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].blockIndex < out[j].blockIndex })
	return out
}

// guesstimateCreatedAt keeps placeholders ordered even when the feed has
// no timestamp for their block yet: any higher block's timestamp is an
// upper bound on when the activity happened.
func (e *Engine) guesstimateCreatedAt(a *blockActivity, timestamps map[uint64]uint64) time.Time {
	if a.timestampMS > 0 {
		return time.UnixMilli(int64(a.timestampMS))
	}
	upper := uint64(e.now().UnixMilli())
	for index, ts := range timestamps {
		if index > a.blockIndex && ts < upper {
			upper = ts
		}
	}
	return time.UnixMilli(int64(upper - 1))
}

// cullPlaceholders removes unidentified records whose key material is
// fully explained by identified records. This retires the placeholder a
// payment got while its sync message or notification was still in
// flight, and the placeholders change outputs produce.
func (e *Engine) cullPlaceholders(ctx context.Context, records []*payment.Record) (int, error) {
	identified := make([]*payment.Record, 0, len(records))
	for _, rec := range records {
		if !rec.Unidentified() {
			identified = append(identified, rec)
		}
	}
	acc := indexRecords(identified)

	culled := 0
	for _, rec := range records {
		if !rec.Unidentified() {
			continue
		}
		if !placeholderCovered(rec, acc) {
			continue
		}
		if err := e.store.Delete(ctx, rec.ID); err != nil {
			return culled, err
		}
		e.log.Info("culled redundant placeholder", "payment_id", rec.ID, "block_index", rec.Ledger.BlockIndex)
		culled++
	}
	return culled, nil
}

func placeholderCovered(rec *payment.Record, acc accounting) bool {
	keys := rec.Ledger.IncomingTxPublicKeys
	images := rec.Ledger.SpentKeyImages
	if len(keys) == 0 && len(images) == 0 {
		return true
	}
	for _, key := range keys {
		if !acc.receivedKeys[hex.EncodeToString(key)] {
			return false
		}
	}
	for _, image := range images {
		if !acc.spentImages[hex.EncodeToString(image)] {
			return false
		}
	}
	return true
}

// feedTimestamps collects every block timestamp the activity feed knows.
func feedTimestamps(activity ledger.AccountActivity) map[uint64]uint64 {
	timestamps := make(map[uint64]uint64)
	for _, item := range activity.Items {
		if item.ReceivedBlock.TimestampMS > 0 {
			timestamps[item.ReceivedBlock.Index] = item.ReceivedBlock.TimestampMS
		}
		if item.SpentBlock != nil && item.SpentBlock.TimestampMS > 0 {
			timestamps[item.SpentBlock.Index] = item.SpentBlock.TimestampMS
		}
	}
	return timestamps
}

func (e *Engine) backfillTimestamps(ctx context.Context, activity ledger.AccountActivity, records []*payment.Record) (int, error) {
	timestamps := feedTimestamps(activity)
	backfilled := 0
	for _, rec := range records {
		if !rec.Ledger.HasBlockIndex() || rec.Ledger.HasBlockTimestamp() {
			continue
		}
		ts, ok := timestamps[rec.Ledger.BlockIndex]
		if !ok {
			continue
		}
		if err := e.store.SetBlockTimestamp(ctx, rec.ID, ts); err != nil {
			return backfilled, err
		}
		backfilled++
	}
	return backfilled, nil
}

// ForceNext clears the change-detection cursor so the next pass runs in
// full regardless of feed counts.
func (e *Engine) ForceNext(ctx context.Context) error {
	return e.store.SetReconCursor(ctx, store.ReconCursor{})
}

// ReplaceAsUnidentified swaps a defective identified record for a
// placeholder carrying only its ledger facts. Memo, counterparty, and
// request correlation are dropped: they belonged to the defective
// interpretation, not to the ledger.
func (e *Engine) ReplaceAsUnidentified(ctx context.Context, id string) error {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	placeholder := &payment.Record{
		ID:        payment.NewID(),
		Amount:    rec.Amount,
		CreatedAt: rec.CreatedAt,
		Ledger: payment.LedgerData{
			IncomingTxPublicKeys: rec.Ledger.IncomingTxPublicKeys,
			SpentKeyImages:       rec.Ledger.SpentKeyImages,
			BlockIndex:           rec.Ledger.BlockIndex,
			BlockTimestampMS:     rec.Ledger.BlockTimestampMS,
		},
	}
	if rec.Type.Incoming() {
		placeholder.Type = payment.TypeIncomingUnidentified
		placeholder.State = payment.StateIncomingComplete
	} else {
		placeholder.Type = payment.TypeOutgoingUnidentified
		placeholder.State = payment.StateOutgoingComplete
	}
	// Validate before touching the store so a record too bare to survive
	// as a placeholder is left alone.
	if err := placeholder.Validate(); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.store.Insert(ctx, placeholder); err != nil {
		return err
	}
	e.metrics.RecordAction("replaced", 1)
	e.log.Warn("replaced defective record with placeholder",
		"payment_id", id, "placeholder_id", placeholder.ID)
	return nil
}
