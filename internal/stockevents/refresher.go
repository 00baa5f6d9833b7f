package stockevents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/events"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Refresher resolves availability after the projection write so the
// consumer loop does not wait on the Stock service. At most limit lookups
// run at once; beyond that the row keeps its default until the next event.
type Refresher struct {
	store    store.Store
	resolver *Resolver
	changes  *events.Recorder
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   observability.Logger
	wg       sync.WaitGroup
}

func NewRefresher(st store.Store, resolver *Resolver, changes *events.Recorder, limit int, timeout time.Duration, logger observability.Logger) *Refresher {
	if limit < 1 {
		limit = 1
	}
	return &Refresher{
		store:    st,
		resolver: resolver,
		changes:  changes,
		sem:      semaphore.NewWeighted(int64(limit)),
		timeout:  timeout,
		logger:   logger,
	}
}

// Schedule starts a background lookup for id. The result is written only if
// the row has not changed since writtenAt.
func (r *Refresher) Schedule(ctx context.Context, id int64, writtenAt time.Time) {
	if !r.sem.TryAcquire(1) {
		r.logger.Warn("Availability refresh skipped, too many lookups in flight", zap.Int64("product_id", id))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		r.refresh(ctx, id, writtenAt)
	}()
}

func (r *Refresher) refresh(ctx context.Context, id int64, writtenAt time.Time) {
	available, err := r.resolver.Lookup(ctx, id)
	if err != nil {
		r.logger.Debug("Availability refresh lookup failed", zap.Error(err), zap.Int64("product_id", id))
		return
	}

	var (
		applied bool
		env     events.Envelope
	)
	err = r.store.InTx(ctx, func(tx store.Repository) error {
		current, err := tx.GetProduct(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil || current.Available == available {
			return err
		}
		var p catalogue.Product
		p, applied, err = tx.SetAvailability(ctx, id, available, writtenAt)
		if err != nil || !applied {
			return err
		}
		env, err = r.changes.Stage(ctx, tx, events.Change{
			Resource: catalogue.ResourceProduct,
			Action:   events.ActionUpdated,
			ID:       id,
			Snapshot: p,
		})
		return err
	})
	if err != nil {
		r.logger.Error("Failed to store refreshed availability", zap.Error(err), zap.Int64("product_id", id))
		return
	}
	if applied {
		r.changes.Deliver(ctx, env)
		r.logger.Info("Availability refreshed", zap.Int64("product_id", id), zap.Bool("available", available))
	}
}

// Wait blocks until scheduled refreshes finish.
func (r *Refresher) Wait() {
	r.wg.Wait()
}
