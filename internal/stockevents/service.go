package stockevents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/events"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Outcome is what applying an event did to the projection.
type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeUpdated     Outcome = "updated"
	OutcomeSoftDeleted Outcome = "soft_deleted"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDiscarded   Outcome = "discarded"
)

type Result struct {
	Outcome   Outcome
	ProductID int64
}

// Service applies inventory events to the product projection.
type Service interface {
	Apply(ctx context.Context, ev StockEvent) (Result, error)
}

// ProjectionService is the default Service. Every projection write is
// recorded as a catalogue change in the same transaction.
type ProjectionService struct {
	store     store.Store
	resolver  *Resolver
	changes   *events.Recorder
	refresher *Refresher
	logger    observability.Logger
	tracer    observability.Tracer
	metrics   *observability.Metrics
	now       func() time.Time
}

type ServiceOption func(*ProjectionService)

// WithAsyncLookup upserts with the fail-policy default and resolves the real
// availability in the background.
func WithAsyncLookup(r *Refresher) ServiceOption {
	return func(s *ProjectionService) { s.refresher = r }
}

// WithServiceClock overrides the soft-delete timestamp source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *ProjectionService) { s.now = now }
}

func NewService(st store.Store, resolver *Resolver, changes *events.Recorder, logger observability.Logger, tracer observability.Tracer, metrics *observability.Metrics, opts ...ServiceOption) *ProjectionService {
	s := &ProjectionService{
		store:    st,
		resolver: resolver,
		changes:  changes,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply projects ev. A returned error wrapping ErrMalformedEvent means the
// event can never be applied; any other error is a store failure.
func (s *ProjectionService) Apply(ctx context.Context, ev StockEvent) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "stock_event.apply")
	defer span.End()

	span.SetAttributes(
		attribute.String("stock_event.resource", ev.Resource),
		attribute.String("stock_event.action", ev.Action),
	)

	if ev.Resource != config.StockProductResource {
		span.SetStatus(codes.Ok, "resource not projected")
		return Result{Outcome: OutcomeDiscarded}, nil
	}

	var (
		res Result
		err error
	)
	switch ev.Action {
	case ActionCreated, ActionUpdated:
		res, err = s.upsert(ctx, ev)
	case ActionDeleted:
		res, err = s.softDelete(ctx, ev)
	default:
		res = Result{Outcome: OutcomeIgnored}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Int64("product.id", res.ProductID),
		attribute.String("projection.outcome", string(res.Outcome)),
	)
	span.SetStatus(codes.Ok, "stock event applied")
	return res, nil
}

func (s *ProjectionService) upsert(ctx context.Context, ev StockEvent) (Result, error) {
	sp, err := ev.StockProduct()
	if err != nil {
		return Result{Outcome: OutcomeDiscarded}, err
	}

	if s.refresher != nil {
		sp.Available = s.resolver.Default()
	} else {
		sp.Available = s.resolver.Resolve(ctx, sp.ID)
	}

	var (
		upserted store.UpsertResult
		env      events.Envelope
	)
	err = s.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		upserted, err = tx.UpsertFromEvent(ctx, sp)
		if err != nil {
			return err
		}
		action := events.ActionUpdated
		if upserted.Created {
			action = events.ActionCreated
		}
		env, err = s.changes.Stage(ctx, tx, events.Change{
			Resource: catalogue.ResourceProduct,
			Action:   action,
			ID:       sp.ID,
			Snapshot: upserted.Product,
		})
		return err
	})
	if err != nil {
		return Result{ProductID: sp.ID}, fmt.Errorf("failed to project product %d: %w", sp.ID, err)
	}
	s.changes.Deliver(ctx, env)

	if upserted.Collision {
		s.metrics.IDCollision(ctx, "stock-event")
		s.logger.Warn("Stock event touched a product created by the catalogue API",
			zap.Int64("product_id", sp.ID),
			zap.String("action", ev.Action),
		)
	}

	if s.refresher != nil {
		s.refresher.Schedule(ctx, sp.ID, upserted.Product.UpdatedAt)
	}

	outcome := OutcomeUpdated
	if upserted.Created {
		outcome = OutcomeCreated
	}
	s.logger.Info("✅ Product projected from stock event",
		zap.Int64("product_id", sp.ID),
		zap.String("outcome", string(outcome)),
		zap.Bool("available", upserted.Product.Available),
	)
	return Result{Outcome: outcome, ProductID: sp.ID}, nil
}

func (s *ProjectionService) softDelete(ctx context.Context, ev StockEvent) (Result, error) {
	id, err := ev.ProductID()
	if err != nil {
		return Result{Outcome: OutcomeDiscarded}, err
	}

	var (
		found bool
		env   events.Envelope
	)
	err = s.store.InTx(ctx, func(tx store.Repository) error {
		var (
			p   catalogue.Product
			err error
		)
		p, found, err = tx.SoftDeleteProduct(ctx, id, s.now())
		if err != nil || !found {
			return err
		}
		env, err = s.changes.Stage(ctx, tx, events.Change{
			Resource: catalogue.ResourceProduct,
			Action:   events.ActionUpdated,
			ID:       id,
			Snapshot: p,
		})
		return err
	})
	if err != nil {
		return Result{ProductID: id}, fmt.Errorf("failed to soft delete product %d: %w", id, err)
	}
	if !found {
		return Result{Outcome: OutcomeIgnored, ProductID: id}, nil
	}
	s.changes.Deliver(ctx, env)

	s.logger.Info("🗑️ Product soft deleted from stock event", zap.Int64("product_id", id))
	return Result{Outcome: OutcomeSoftDeleted, ProductID: id}, nil
}

// IsMalformed reports whether err means the event can never be applied.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}
