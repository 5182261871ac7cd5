package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/observability"
	"chatrelay/internal/providers/whatsapp"
)

type Dispatcher interface {
	CreateMessage(ctx context.Context, req domain.CreateMessageRequest, now time.Time) (domain.Message, error)
	UpdateStatus(ctx context.Context, req domain.StatusUpdateRequest, now time.Time) (domain.Message, bool, error)
}

// Processor replays provider payload batches through the dispatch engine.
// Records are applied independently: one bad record never aborts a batch.
type Processor struct {
	Dispatch Dispatcher
}

type Result struct {
	Messages int
	Statuses int
	Failed   int
}

func (p *Processor) ProcessBatch(ctx context.Context, payload whatsapp.Payload, now time.Time) Result {
	var res Result

	for _, req := range whatsapp.ParseMessages(payload) {
		if _, err := p.Dispatch.CreateMessage(ctx, req, now); err != nil {
			res.Failed++
			observability.IngestRecords.WithLabelValues("message", "error").Inc()
			slog.Error("ingest create message failed", "err", err, "external_id", req.ExternalID, "sender_id", req.SenderID)
			continue
		}
		res.Messages++
		observability.IngestRecords.WithLabelValues("message", "ok").Inc()
	}

	for _, req := range whatsapp.ParseStatuses(payload) {
		_, _, err := p.Dispatch.UpdateStatus(ctx, req, now)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// status for a message we never saw; skip, not fatal
				observability.IngestRecords.WithLabelValues("status", "unknown_message").Inc()
				slog.Warn("ingest status for unknown message", "external_id", req.ExternalID, "status", string(req.Status))
				continue
			}
			res.Failed++
			observability.IngestRecords.WithLabelValues("status", "error").Inc()
			slog.Error("ingest status update failed", "err", err, "external_id", req.ExternalID, "status", string(req.Status))
			continue
		}
		res.Statuses++
		observability.IngestRecords.WithLabelValues("status", "ok").Inc()
	}

	return res
}
