package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paycore/ledger"
	"paycore/observability"
	"paycore/payment"
	"paycore/store"
)

// ErrNotProcessable is returned when Step is handed a record in a
// terminal state.
var ErrNotProcessable = errors.New("processor: record not processable")

// Notifier delivers payment events to the messaging layer. Sending is a
// step of the outgoing state machine; surfacing received payments happens
// on completion of the incoming path.
type Notifier interface {
	PaymentSent(ctx context.Context, rec *payment.Record) error
	PaymentReceived(ctx context.Context, rec *payment.Record) error
}

// StepResult describes what a single processing step did with a record.
type StepResult int

const (
	// ResultAdvanced means the record moved to a new state and should be
	// stepped again immediately.
	ResultAdvanced StepResult = iota
	// ResultSettled means the record reached a terminal state.
	ResultSettled
	// ResultRetry means the step could not finish and should be retried
	// after a backoff.
	ResultRetry
	// ResultRemoved means the record was removed as indeterminate and
	// handed to reconciliation.
	ResultRemoved
)

// Engine executes individual state machine steps against the ledger.
// It owns no scheduling; the Scheduler decides when and how often to
// call it.
type Engine struct {
	store    *store.Store
	ledger   ledger.Client
	notifier Notifier
	log      *slog.Logger
	metrics  *observability.ProcessingMetrics

	recencyWindow   time.Duration
	now             func() time.Time
	onIndeterminate func()
	replace         func(ctx context.Context, id string) error
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithNotifier supplies the messaging bridge.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithRecencyWindow overrides how old an unsubmitted payment may be and
// still be submitted.
func WithRecencyWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.recencyWindow = d
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithIndeterminateHook registers fn to run after an indeterminate
// payment is removed. The caller uses it to schedule reconciliation.
func WithIndeterminateHook(fn func()) EngineOption {
	return func(e *Engine) { e.onIndeterminate = fn }
}

// WithReplacer supplies the reconciliation operation that swaps an
// indeterminate record for an unidentified placeholder keeping its
// ledger facts. Records too bare to support a placeholder are deleted
// outright.
func WithReplacer(fn func(ctx context.Context, id string) error) EngineOption {
	return func(e *Engine) { e.replace = fn }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine constructs a processing engine over the given store and
// ledger session.
func NewEngine(st *store.Store, lc ledger.Client, opts ...EngineOption) *Engine {
	eng := &Engine{
		store:         st,
		ledger:        lc,
		log:           slog.Default().With("component", "processor"),
		metrics:       observability.Processing(),
		recencyWindow: 5 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Process steps one record until it stops advancing. It returns the last
// step result so the scheduler can decide whether a retry is due.
func (e *Engine) Process(ctx context.Context, rec *payment.Record) (StepResult, error) {
	for {
		result, next, err := e.Step(ctx, rec)
		if result != ResultAdvanced {
			return result, err
		}
		if next.State.Terminal() {
			return ResultSettled, nil
		}
		rec = next
	}
}

// Step performs exactly one state machine step. On ResultAdvanced the
// returned record reflects the new state.
func (e *Engine) Step(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	if rec.State.Terminal() {
		return ResultSettled, rec, fmt.Errorf("%w: %s is %s", ErrNotProcessable, rec.ID, rec.State)
	}
	switch rec.State {
	case payment.StateOutgoingUnsubmitted:
		return e.submit(ctx, rec)
	case payment.StateOutgoingUnverified:
		return e.verifyOutgoing(ctx, rec)
	case payment.StateIncomingUnverified:
		return e.verifyIncoming(ctx, rec)
	case payment.StateOutgoingVerified:
		return e.beginSending(ctx, rec)
	case payment.StateOutgoingSending:
		return e.sendNotification(ctx, rec)
	case payment.StateOutgoingSent:
		return e.finishOutgoing(ctx, rec)
	case payment.StateOutgoingMissingLedgerTimestamp:
		return e.backfillOutgoingTimestamp(ctx, rec)
	case payment.StateIncomingVerified:
		return e.finishIncoming(ctx, rec)
	case payment.StateIncomingMissingLedgerTimestamp:
		return e.backfillIncomingTimestamp(ctx, rec)
	default:
		return ResultRetry, rec, fmt.Errorf("%w: unhandled state %s", ErrNotProcessable, rec.State)
	}
}

// submit publishes an unsubmitted transaction. Payments older than the
// recency window are never resubmitted: the transaction may already have
// reached the network in a session that died before the state write
// landed, so the record moves straight to verification instead of
// risking a duplicate submission.
func (e *Engine) submit(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	enabled, err := e.store.Enabled(ctx)
	if err != nil {
		return ResultRetry, rec, err
	}
	if !enabled {
		// The kill switch blocks submission, but an earlier attempt may
		// already have landed; park the record so verification settles
		// it once payments are switched back on.
		_, next, err := e.advance(ctx, rec, payment.StateOutgoingUnverified, nil)
		if err != nil {
			return ResultRetry, rec, err
		}
		return ResultSettled, next, nil
	}

	if e.now().Sub(rec.CreatedAt) > e.recencyWindow {
		e.log.Warn("payment too old to submit, verifying instead",
			"payment_id", rec.ID, "age", e.now().Sub(rec.CreatedAt).String())
		return e.advance(ctx, rec, payment.StateOutgoingUnverified, nil)
	}

	if len(rec.Ledger.TransactionData) == 0 {
		return e.removeIndeterminate(ctx, rec)
	}

	err = e.ledger.SubmitTransaction(ctx, rec.Ledger.TransactionData)
	switch kind := ledger.KindOf(err); {
	case err == nil, kind == ledger.KindInputsSpent:
		// Spent inputs almost always mean an earlier attempt landed;
		// verification settles the question either way.
		return e.advance(ctx, rec, payment.StateOutgoingUnverified, nil)
	case kind == ledger.KindInsufficientFunds:
		return e.fail(ctx, rec, payment.FailureInsufficientFunds, err)
	case kind == ledger.KindInvalidInput, kind == ledger.KindInvalidTransaction:
		return e.fail(ctx, rec, payment.FailureValidationFailed, err)
	case kind == ledger.KindStaleClient, kind == ledger.KindAttestation:
		return e.fail(ctx, rec, payment.FailureInvalid, err)
	default:
		e.metrics.RecordError(string(rec.State), string(kind))
		return ResultRetry, rec, err
	}
}

func (e *Engine) verifyOutgoing(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	// Linked-device records carry no transaction bytes; their receipt
	// confirms the payment instead.
	if len(rec.Ledger.TransactionData) == 0 {
		return e.verifyOutgoingByReceipt(ctx, rec)
	}
	status, err := e.ledger.OutgoingStatus(ctx, rec.Ledger.TransactionData)
	if err != nil {
		e.metrics.RecordError(string(rec.State), string(ledger.KindOf(err)))
		return ResultRetry, rec, err
	}
	switch status.State {
	case ledger.OutgoingAccepted:
		return e.advance(ctx, rec, payment.StateOutgoingVerified, func(r *payment.Record) error {
			r.Ledger.BlockIndex = status.Block.Index
			r.Ledger.BlockTimestampMS = status.Block.TimestampMS
			return nil
		})
	case ledger.OutgoingFailed:
		return e.fail(ctx, rec, payment.FailureValidationFailed, nil)
	default:
		return ResultRetry, rec, nil
	}
}

func (e *Engine) verifyOutgoingByReceipt(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	if len(rec.Ledger.ReceiptData) == 0 {
		return e.removeIndeterminate(ctx, rec)
	}
	status, err := e.ledger.IncomingStatus(ctx, rec.Ledger.ReceiptData)
	if err != nil {
		e.metrics.RecordError(string(rec.State), string(ledger.KindOf(err)))
		return ResultRetry, rec, err
	}
	switch status.State {
	case ledger.IncomingReceived:
		return e.advance(ctx, rec, payment.StateOutgoingVerified, func(r *payment.Record) error {
			r.Ledger.BlockIndex = status.Block.Index
			r.Ledger.BlockTimestampMS = status.Block.TimestampMS
			return nil
		})
	case ledger.IncomingFailed:
		return e.fail(ctx, rec, payment.FailureValidationFailed, nil)
	default:
		return ResultRetry, rec, nil
	}
}

func (e *Engine) verifyIncoming(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	if len(rec.Ledger.ReceiptData) == 0 {
		return e.removeIndeterminate(ctx, rec)
	}
	status, err := e.ledger.IncomingStatus(ctx, rec.Ledger.ReceiptData)
	if err != nil {
		e.metrics.RecordError(string(rec.State), string(ledger.KindOf(err)))
		return ResultRetry, rec, err
	}
	switch status.State {
	case ledger.IncomingReceived:
		return e.advance(ctx, rec, payment.StateIncomingVerified, func(r *payment.Record) error {
			amount := status.Amount
			r.Amount = &amount
			r.Ledger.BlockIndex = status.Block.Index
			r.Ledger.BlockTimestampMS = status.Block.TimestampMS
			if len(status.TxPublicKeys) > 0 {
				r.Ledger.IncomingTxPublicKeys = status.TxPublicKeys
			}
			return nil
		})
	case ledger.IncomingFailed:
		return e.fail(ctx, rec, payment.FailureValidationFailed, nil)
	default:
		return ResultRetry, rec, nil
	}
}

// removeIndeterminate discards a record whose ledger evidence (transaction
// bytes or receipt) is missing: there is nothing left to submit or verify, so
// the record cannot be settled from here. When a replacer is configured the
// record is swapped for an unidentified placeholder that keeps its ledger
// facts; otherwise it is deleted and a reconciliation pass is scheduled to
// restore whatever the ledger says happened.
func (e *Engine) removeIndeterminate(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	e.log.Warn("removing indeterminate payment",
		"payment_id", rec.ID, "state", string(rec.State))
	removed := false
	if e.replace != nil {
		if err := e.replace(ctx, rec.ID); err == nil {
			removed = true
		} else {
			e.log.Warn("could not replace indeterminate payment, deleting",
				"payment_id", rec.ID, "error", err)
		}
	}
	if !removed {
		if err := e.store.Delete(ctx, rec.ID); err != nil {
			return ResultRetry, rec, err
		}
	}
	if e.onIndeterminate != nil {
		e.onIndeterminate()
	}
	return ResultRemoved, nil, nil
}

// beginSending decides whether the verified payment needs a notification
// message. Transfers between own devices and defragmentations have no
// counterparty to notify.
func (e *Engine) beginSending(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	if rec.Type.Transfer() || rec.Type.Defragmentation() || rec.Type.FromLinkedDevice() {
		return e.advance(ctx, rec, payment.StateOutgoingSent, nil)
	}
	return e.advance(ctx, rec, payment.StateOutgoingSending, nil)
}

func (e *Engine) sendNotification(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	if e.notifier == nil {
		return ResultRetry, rec, errors.New("processor: notifier not configured")
	}
	if err := e.notifier.PaymentSent(ctx, rec); err != nil {
		e.metrics.RecordError(string(rec.State), string(ledger.KindOf(err)))
		return ResultRetry, rec, err
	}
	return e.advance(ctx, rec, payment.StateOutgoingSent, nil)
}

func (e *Engine) finishOutgoing(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	if rec.Ledger.HasBlockTimestamp() {
		return e.advance(ctx, rec, payment.StateOutgoingComplete, nil)
	}
	return e.advance(ctx, rec, payment.StateOutgoingMissingLedgerTimestamp, nil)
}

func (e *Engine) backfillOutgoingTimestamp(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	var ref ledger.BlockRef
	if len(rec.Ledger.TransactionData) > 0 {
		status, err := e.ledger.OutgoingStatus(ctx, rec.Ledger.TransactionData)
		if err != nil {
			e.metrics.RecordError(string(rec.State), string(ledger.KindOf(err)))
			return ResultRetry, rec, err
		}
		ref = status.Block
	} else {
		status, err := e.ledger.IncomingStatus(ctx, rec.Ledger.ReceiptData)
		if err != nil {
			e.metrics.RecordError(string(rec.State), string(ledger.KindOf(err)))
			return ResultRetry, rec, err
		}
		ref = status.Block
	}
	if ref.TimestampMS == 0 {
		return ResultRetry, rec, nil
	}
	return e.advance(ctx, rec, payment.StateOutgoingComplete, func(r *payment.Record) error {
		r.Ledger.BlockTimestampMS = ref.TimestampMS
		return nil
	})
}

func (e *Engine) finishIncoming(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	if !rec.Ledger.HasBlockTimestamp() {
		return e.advance(ctx, rec, payment.StateIncomingMissingLedgerTimestamp, nil)
	}
	return e.completeIncoming(ctx, rec, nil)
}

func (e *Engine) backfillIncomingTimestamp(ctx context.Context, rec *payment.Record) (StepResult, *payment.Record, error) {
	status, err := e.ledger.IncomingStatus(ctx, rec.Ledger.ReceiptData)
	if err != nil {
		e.metrics.RecordError(string(rec.State), string(ledger.KindOf(err)))
		return ResultRetry, rec, err
	}
	if status.Block.TimestampMS == 0 {
		return ResultRetry, rec, nil
	}
	return e.completeIncoming(ctx, rec, func(r *payment.Record) error {
		r.Ledger.BlockTimestampMS = status.Block.TimestampMS
		return nil
	})
}

func (e *Engine) completeIncoming(ctx context.Context, rec *payment.Record, mutate func(*payment.Record) error) (StepResult, *payment.Record, error) {
	result, next, err := e.advance(ctx, rec, payment.StateIncomingComplete, mutate)
	if err != nil {
		return result, next, err
	}
	if e.notifier != nil && !next.Unidentified() {
		if err := e.notifier.PaymentReceived(ctx, next); err != nil {
			// The payment is complete either way; surfacing it is best effort.
			e.log.Warn("surface received payment", "payment_id", next.ID, "error", err)
		}
	}
	return result, next, nil
}

func (e *Engine) advance(ctx context.Context, rec *payment.Record, to payment.State, mutate func(*payment.Record) error) (StepResult, *payment.Record, error) {
	updated, err := e.store.UpdateState(ctx, rec.ID, rec.State, to, mutate)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
			// Someone else moved or removed the record; let the next pass
			// pick up whatever is there now.
			return ResultRetry, rec, err
		}
		return ResultRetry, rec, err
	}
	e.metrics.RecordTransition(string(rec.State), string(to))
	e.log.Info("payment transition", "payment_id", rec.ID, "from", string(rec.State), "to", string(to))
	if updated.State.Terminal() {
		return ResultSettled, updated, nil
	}
	return ResultAdvanced, updated, nil
}

func (e *Engine) fail(ctx context.Context, rec *payment.Record, reason payment.Failure, cause error) (StepResult, *payment.Record, error) {
	result, next, err := e.advance(ctx, rec, rec.State.FailedState(), func(r *payment.Record) error {
		r.FailureReason = reason
		return nil
	})
	if err != nil {
		return result, next, err
	}
	e.log.Warn("payment failed", "payment_id", rec.ID, "reason", string(reason), "error", cause)
	return ResultSettled, next, nil
}
