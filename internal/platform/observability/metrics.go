package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Outcome labels shared by the counters below.
const (
	OutcomeProcessed  = "processed"
	OutcomeDiscarded  = "discarded"
	OutcomeDuplicate  = "duplicate"
	OutcomeFailed     = "failed"
	OutcomeSuccess    = "success"
	OutcomeFallback   = "fallback"
	OutcomeUnknown    = "unknown"
	OutcomePublished  = "published"
	OutcomeDispatched = "dispatched"
)

// Metrics groups the instruments recorded by the catalogue components.
type Metrics struct {
	eventsConsumed   metric.Int64Counter
	stockLookups     metric.Int64Counter
	eventsPublished  metric.Int64Counter
	outboxDispatched metric.Int64Counter
	idCollisions     metric.Int64Counter
	degraded         metric.Int64Counter
	lookupDuration   metric.Float64Histogram
}

// NewMetrics creates the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	m := &Metrics{}
	var err error

	m.eventsConsumed, err = meter.Int64Counter("catalogue.stock_events.consumed",
		metric.WithDescription("Stock events handled by the consumer, by action and outcome"),
		metric.WithUnit("{event}"))
	collect(err)

	m.stockLookups, err = meter.Int64Counter("catalogue.stock.lookups",
		metric.WithDescription("Availability lookups against the Stock service, by path and outcome"),
		metric.WithUnit("{call}"))
	collect(err)

	m.eventsPublished, err = meter.Int64Counter("catalogue.events.published",
		metric.WithDescription("Catalogue change events handed to the transport, by outcome"),
		metric.WithUnit("{event}"))
	collect(err)

	m.outboxDispatched, err = meter.Int64Counter("catalogue.outbox.dispatched",
		metric.WithDescription("Outbox records processed by the dispatcher, by outcome"),
		metric.WithUnit("{record}"))
	collect(err)

	m.idCollisions, err = meter.Int64Counter("catalogue.projection.id_collisions",
		metric.WithDescription("Stock writes that landed on an id first created by the catalogue API"),
		metric.WithUnit("{product}"))
	collect(err)

	m.degraded, err = meter.Int64Counter("catalogue.stock.availability.degraded",
		metric.WithDescription("Availability values not taken from a Stock answer, by path and outcome"),
		metric.WithUnit("{product}"))
	collect(err)

	m.lookupDuration, err = meter.Float64Histogram("catalogue.stock.lookup.duration",
		metric.WithDescription("Duration of Stock service calls"),
		metric.WithUnit("s"))
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func (m *Metrics) EventConsumed(ctx context.Context, action, outcome string) {
	m.eventsConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) StockLookup(ctx context.Context, path, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	)
	m.stockLookups.Add(ctx, 1, attrs)
	m.lookupDuration.Record(ctx, seconds, attrs)
}

// AvailabilityDegraded counts n products whose availability came from the
// fail policy (fallback) or was left unknown.
func (m *Metrics) AvailabilityDegraded(ctx context.Context, path, outcome string, n int) {
	if n == 0 {
		return
	}
	m.degraded.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) EventPublished(ctx context.Context, routingKey, outcome string) {
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("routing_key", routingKey),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) OutboxDispatched(ctx context.Context, outcome string, n int) {
	if n == 0 {
		return
	}
	m.outboxDispatched.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) IDCollision(ctx context.Context, source string) {
	m.idCollisions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
