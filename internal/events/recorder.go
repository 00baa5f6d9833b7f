package events

import (
	"context"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"go.uber.org/zap"
)

// Recorder announces catalogue changes. Stage is called inside the
// mutation's transaction and Deliver after it commits.
//
// In outbox mode Stage writes the event to the outbox and Deliver only wakes
// the dispatcher. In inline mode Stage only serializes and Deliver publishes;
// failures are logged and never reach the caller.
type Recorder struct {
	namespace string
	mode      config.PublishMode
	producer  messaging.Producer
	notify    func()
	logger    observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

type RecorderOption func(*Recorder)

// WithNotify registers a hook run by Deliver in outbox mode.
func WithNotify(fn func()) RecorderOption {
	return func(r *Recorder) { r.notify = fn }
}

// WithRecorderClock overrides the event timestamp source.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(namespace string, mode config.PublishMode, producer messaging.Producer, logger observability.Logger, metrics *observability.Metrics, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		namespace: namespace,
		mode:      mode,
		producer:  producer,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stage prepares c within tx.
func (r *Recorder) Stage(ctx context.Context, tx store.Repository, c Change) (Envelope, error) {
	env, err := NewEnvelope(r.namespace, c, r.now())
	if err != nil {
		return Envelope{}, err
	}
	if r.mode == config.PublishOutbox {
		if err := tx.AppendOutbox(ctx, env.OutboxRecord()); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}

// Deliver hands committed envelopes to the transport.
func (r *Recorder) Deliver(ctx context.Context, envs ...Envelope) {
	if len(envs) == 0 {
		return
	}
	if r.mode == config.PublishOutbox {
		if r.notify != nil {
			r.notify()
		}
		return
	}

	for _, env := range envs {
		if err := publish(ctx, r.producer, env); err != nil {
			r.metrics.EventPublished(ctx, env.RoutingKey, observability.OutcomeFailed)
			r.logger.Error("❌ Failed to publish catalogue event",
				zap.Error(err),
				zap.String("routing_key", env.RoutingKey),
				zap.String("event_id", env.ID.String()),
			)
			continue
		}
		r.metrics.EventPublished(ctx, env.RoutingKey, observability.OutcomePublished)
		r.logger.Debug("📤 Published catalogue event",
			zap.String("routing_key", env.RoutingKey),
			zap.String("event_id", env.ID.String()),
		)
	}
}

func publish(ctx context.Context, producer messaging.Producer, env Envelope) error {
	if producer == nil {
		return messaging.ErrClosed
	}
	return producer.WriteMessage(ctx, env.Message())
}
