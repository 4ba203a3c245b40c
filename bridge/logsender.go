package bridge

import (
	"context"
	"log/slog"
	"strconv"

	"paycore/observability/logging"
)

// LogSender records outbound payment messages instead of delivering them.
// It stands in for the messaging transport in deployments that have not
// wired one yet; memos and counterparty identifiers are redacted.
type LogSender struct {
	log *slog.Logger
}

// NewLogSender builds a sender that writes to log, or the default logger
// when log is nil.
func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default().With("component", "bridge")
	}
	return &LogSender{log: log}
}

// SendPaymentNotification logs the notification that would have been sent.
func (s *LogSender) SendPaymentNotification(ctx context.Context, counterpartyID string, note Notification) error {
	s.log.InfoContext(ctx, "payment notification",
		slog.String("payment", note.PaymentID),
		logging.MaskField("counterparty", counterpartyID),
		logging.MaskField("memo", note.Memo),
		slog.Int("receipt_bytes", len(note.Receipt)),
	)
	return nil
}

// SendSyncMessage logs the sync message that would have been sent to
// linked devices.
func (s *LogSender) SendSyncMessage(ctx context.Context, msg SyncMessage) error {
	s.log.InfoContext(ctx, "payment sync",
		slog.String("payment", msg.PaymentID),
		logging.MaskField("counterparty", msg.CounterpartyID),
		logging.MaskField("memo", msg.Memo),
		slog.String("picounits", strconv.FormatUint(msg.Picounits, 10)),
		slog.Int("spent_key_images", len(msg.SpentKeyImages)),
		slog.Uint64("block_index", msg.BlockIndex),
		slog.Bool("defragmentation", msg.Defragmentation),
	)
	return nil
}
