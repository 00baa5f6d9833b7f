package enrich

import (
	"context"
	"errors"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/stock"

	"go.uber.org/zap"
)

// Lookup is the part of the Stock client read paths depend on.
type Lookup interface {
	Availability(ctx context.Context, id int64) (bool, error)
	BatchAvailability(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// Product is a projection row with its live stock flag. InStock is nil when
// the Stock service could not answer.
type Product struct {
	catalogue.Product
	InStock *bool `json:"inStock"`
}

// Enricher attaches live availability to read responses. It never fails:
// lookup problems degrade the flag instead.
type Enricher struct {
	lookup  Lookup
	logger  observability.Logger
	metrics *observability.Metrics
}

func NewEnricher(lookup Lookup, logger observability.Logger, metrics *observability.Metrics) *Enricher {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Enricher{lookup: lookup, logger: logger, metrics: metrics}
}

// One enriches a single product. Any failure leaves InStock unknown.
func (e *Enricher) One(ctx context.Context, p catalogue.Product) Product {
	out := Product{Product: p}
	if e.lookup == nil {
		e.metrics.AvailabilityDegraded(ctx, stock.PathSingle, observability.OutcomeUnknown, 1)
		return out
	}

	available, err := e.lookup.Availability(ctx, p.ID)
	if err != nil {
		e.metrics.AvailabilityDegraded(ctx, stock.PathSingle, observability.OutcomeUnknown, 1)
		e.logFailure(err, zap.Int64("product_id", p.ID))
		return out
	}
	out.InStock = &available
	return out
}

// Page enriches a list with one batched lookup. Ids the Stock service left
// out of a successful answer are reported as out of stock; a failed lookup
// leaves every item unknown.
func (e *Enricher) Page(ctx context.Context, ps []catalogue.Product) []Product {
	out := make([]Product, len(ps))
	for i, p := range ps {
		out[i] = Product{Product: p}
	}
	if len(ps) == 0 {
		return out
	}
	if e.lookup == nil {
		e.metrics.AvailabilityDegraded(ctx, stock.PathBatch, observability.OutcomeUnknown, len(ps))
		return out
	}

	ids := make([]int64, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	availability, err := e.lookup.BatchAvailability(ctx, ids)
	if err != nil {
		e.metrics.AvailabilityDegraded(ctx, stock.PathBatch, observability.OutcomeUnknown, len(ids))
		e.logFailure(err, zap.Int("items", len(ids)))
		return out
	}

	for i := range out {
		available := availability[out[i].ID]
		out[i].InStock = &available
	}
	return out
}

func (e *Enricher) logFailure(err error, fields ...zap.Field) {
	if errors.Is(err, stock.ErrNotConfigured) {
		return
	}
	e.logger.Warn("Stock availability unavailable for read", append(fields, zap.Error(err))...)
}
