package reconcile

import (
	"context"
	"fmt"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/events"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/stock"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Listing fetches a restaurant's products from the Stock service.
type Listing interface {
	ListProducts(ctx context.Context, restaurantID int64) ([]stock.ListedProduct, error)
}

// Report counts what a run did.
type Report struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Job backfills the projection from a restaurant's Stock listing.
type Job struct {
	listing Listing
	store   store.Store
	changes *events.Recorder
	logger  observability.Logger
	tracer  observability.Tracer
	metrics *observability.Metrics
}

func NewJob(listing Listing, st store.Store, changes *events.Recorder, logger observability.Logger, tracer observability.Tracer, metrics *observability.Metrics) *Job {
	return &Job{
		listing: listing,
		store:   st,
		changes: changes,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
	}
}

// Run upserts every complete listing item of restaurantID. Each item commits
// on its own, so a failure part way keeps the rows already written and the
// partial report is returned with the error.
func (j *Job) Run(ctx context.Context, restaurantID int64) (Report, error) {
	ctx, span := j.tracer.Start(ctx, "stock_sync.run")
	defer span.End()
	span.SetAttributes(attribute.Int64("restaurant.id", restaurantID))

	var report Report
	items, err := j.listing.ListProducts(ctx, restaurantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("failed to fetch stock listing for restaurant %d: %w", restaurantID, err)
	}

	j.logger.Info("Stock listing fetched", zap.Int64("restaurant_id", restaurantID), zap.Int("items", len(items)))

	for _, item := range items {
		sp, ok := item.StockProduct()
		if !ok {
			report.Skipped++
			j.logger.Debug("Listing item skipped, missing fields", zap.Any("item", item))
			continue
		}

		created, err := j.apply(ctx, sp)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
	}

	span.SetAttributes(
		attribute.Int("sync.created", report.Created),
		attribute.Int("sync.updated", report.Updated),
		attribute.Int("sync.skipped", report.Skipped),
	)
	span.SetStatus(codes.Ok, "stock listing reconciled")
	j.logger.Info("✅ Stock sync finished",
		zap.Int64("restaurant_id", restaurantID),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (j *Job) apply(ctx context.Context, sp catalogue.StockProduct) (bool, error) {
	var (
		res store.UpsertResult
		env events.Envelope
	)
	err := j.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		res, err = tx.UpsertFromListing(ctx, sp)
		if err != nil {
			return err
		}
		action := events.ActionUpdated
		if res.Created {
			action = events.ActionCreated
		}
		env, err = j.changes.Stage(ctx, tx, events.Change{
			Resource: catalogue.ResourceProduct,
			Action:   action,
			ID:       sp.ID,
			Snapshot: res.Product,
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %d: %w", sp.ID, err)
	}
	j.changes.Deliver(ctx, env)

	if res.Collision {
		j.metrics.IDCollision(ctx, "stock-sync")
		j.logger.Warn("Stock listing touched a product created by the catalogue API", zap.Int64("product_id", sp.ID))
	}
	return res.Created, nil
}
