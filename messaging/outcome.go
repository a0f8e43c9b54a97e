package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/courier-go/audit"
	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/contracts"
)

// recordOutcome stores the status of msg on its audit record when one exists
func recordOutcome(ctx context.Context, store audit.Store, msg contracts.Message, logger *slog.Logger) {
	if store == nil {
		return
	}
	rec, err := store.FindAuditRecord(ctx, audit.KeyOf(msg))
	if err != nil {
		logger.Warn("failed to load audit record", messageAttrs(msg, "error", err)...)
		return
	}
	if rec == nil {
		return
	}
	rec.Status = msg.GetStatus()
	if err := store.Upsert(ctx, rec); err != nil {
		logger.Warn("failed to record message status", messageAttrs(msg, "error", err)...)
	}
}

func messageAttrs(msg contracts.Message, extra ...any) []any {
	attrs := []any{
		"correlationId", msg.GetCorrelationID(),
		"event", msg.GetEvent(),
		"kind", msg.GetKind().String(),
		"direction", msg.GetDirection().String(),
		"status", msg.GetStatus().String(),
	}
	return append(attrs, extra...)
}

func logChannelError(logger *slog.Logger) func(channels.ErrorEvent) {
	return func(ev channels.ErrorEvent) {
		logger.Error("channel error",
			"channel", ev.Channel,
			"op", ev.Op,
			"artifact", ev.Artifact,
			"error", ev.Err,
		)
	}
}
