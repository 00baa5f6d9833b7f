package stockevents

import (
	"context"

	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"

	"go.uber.org/zap"
)

// MessageHandler processes one delivery from the stock subscription.
type MessageHandler interface {
	Handle(ctx context.Context, d *messaging.Delivery) error
}

// StockMessageHandler acknowledges every delivery it has finished with,
// including malformed and duplicate ones. A delivery is left unacknowledged
// only when the projection could not be written.
type StockMessageHandler struct {
	service Service
	deduper Deduper
	logger  observability.Logger
	metrics *observability.Metrics
}

func NewMessageHandler(service Service, deduper Deduper, logger observability.Logger, metrics *observability.Metrics) *StockMessageHandler {
	if deduper == nil {
		deduper = NopDeduper{}
	}
	return &StockMessageHandler{
		service: service,
		deduper: deduper,
		logger:  logger,
		metrics: metrics,
	}
}

func (h *StockMessageHandler) Handle(ctx context.Context, d *messaging.Delivery) error {
	// Continue the publisher's trace
	msgCtx := messaging.ExtractTraceContext(ctx, d.Headers)
	eventID := d.Header(messaging.HeaderEventID)

	h.logger.Debug("📨 Stock event received",
		zap.String("routing_key", d.RoutingKey),
		zap.String("event_id", eventID),
	)

	if eventID != "" {
		seen, err := h.deduper.Seen(msgCtx, eventID)
		if err != nil {
			h.logger.Warn("Dedup check failed, processing event anyway", zap.Error(err), zap.String("event_id", eventID))
		} else if seen {
			h.metrics.EventConsumed(msgCtx, "", observability.OutcomeDuplicate)
			h.logger.Info("Duplicate stock event skipped", zap.String("event_id", eventID))
			return h.ack(msgCtx, d)
		}
	}

	ev, err := ParseEvent(d.Body)
	if err != nil {
		h.metrics.EventConsumed(msgCtx, "", observability.OutcomeDiscarded)
		h.logger.Error("❌ Invalid JSON in stock event",
			zap.Error(err),
			zap.String("routing_key", d.RoutingKey),
			zap.ByteString("raw_value", d.Body),
		)
		return h.ack(msgCtx, d)
	}

	res, err := h.service.Apply(msgCtx, ev)
	switch {
	case IsMalformed(err):
		h.metrics.EventConsumed(msgCtx, ev.Action, observability.OutcomeDiscarded)
		h.logger.Warn("Malformed stock event discarded",
			zap.Error(err),
			zap.String("action", ev.Action),
			zap.String("routing_key", d.RoutingKey),
		)
		return h.ack(msgCtx, d)
	case err != nil:
		h.metrics.EventConsumed(msgCtx, ev.Action, observability.OutcomeFailed)
		h.logger.Error("❌ Failed to apply stock event, leaving it unacknowledged",
			zap.Error(err),
			zap.String("action", ev.Action),
			zap.Int64("product_id", res.ProductID),
		)
		return err
	}

	outcome := observability.OutcomeProcessed
	if res.Outcome == OutcomeDiscarded {
		outcome = observability.OutcomeDiscarded
		h.logger.Debug("Stock event for another resource discarded", zap.String("resource", ev.Resource))
	}
	h.metrics.EventConsumed(msgCtx, ev.Action, outcome)

	if eventID != "" {
		if err := h.deduper.Mark(msgCtx, eventID); err != nil {
			h.logger.Warn("Failed to remember processed event", zap.Error(err), zap.String("event_id", eventID))
		}
	}
	return h.ack(msgCtx, d)
}

func (h *StockMessageHandler) ack(ctx context.Context, d *messaging.Delivery) error {
	if err := d.Ack(ctx); err != nil {
		h.logger.Error("❌ Failed to acknowledge stock event", zap.Error(err), zap.String("routing_key", d.RoutingKey))
		return err
	}
	return nil
}
