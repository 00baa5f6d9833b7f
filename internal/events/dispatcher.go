package events

import (
	"context"
	"errors"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"go.uber.org/zap"
)

// OutboxDrainer is the part of the store the dispatcher needs.
type OutboxDrainer interface {
	DrainOutbox(ctx context.Context, limit int, publish func(context.Context, store.OutboxRecord) error) (dispatched, failed int, err error)
}

// Dispatcher moves outbox records to the transport. Delivery is at least
// once: a record is marked dispatched only after the transport accepted it.
type Dispatcher struct {
	outbox    OutboxDrainer
	producer  messaging.Producer
	interval  time.Duration
	batchSize int
	logger    observability.Logger
	metrics   *observability.Metrics
	wake      chan struct{}
}

func NewDispatcher(outbox OutboxDrainer, producer messaging.Producer, interval time.Duration, batchSize int, logger observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		outbox:    outbox,
		producer:  producer,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
	}
}

// Notify asks the dispatcher to poll now instead of waiting for the next tick.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// DispatchOnce drains full batches until the outbox is empty or a publish
// fails. It returns the number of records dispatched.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		dispatched, failed, err := d.outbox.DrainOutbox(ctx, d.batchSize, func(ctx context.Context, rec store.OutboxRecord) error {
			return publish(ctx, d.producer, EnvelopeFromRecord(rec))
		})
		total += dispatched
		d.metrics.OutboxDispatched(ctx, observability.OutcomeDispatched, dispatched)
		d.metrics.OutboxDispatched(ctx, observability.OutcomeFailed, failed)
		if err != nil {
			return total, err
		}
		if failed > 0 {
			return total, errPublishFailed
		}
		if dispatched < d.batchSize {
			return total, nil
		}
	}
}

var errPublishFailed = errors.New("outbox publish failed; will retry")

// Run polls the outbox until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Outbox dispatcher started", zap.Duration("interval", d.interval), zap.Int("batch_size", d.batchSize))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn("Outbox dispatch incomplete", zap.Error(err), zap.Int("dispatched", n))
			continue
		}
		if n > 0 {
			d.logger.Debug("📤 Dispatched outbox records", zap.Int("count", n))
		}
	}
}
