package stockevents

import (
	"context"
	"errors"

	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/stock"

	"go.uber.org/zap"
)

// AvailabilityLookup is the Stock service call the consumer depends on.
type AvailabilityLookup interface {
	Availability(ctx context.Context, id int64) (bool, error)
}

// Resolver turns an availability lookup into a definite value, applying the
// fail policy when the Stock service cannot answer.
type Resolver struct {
	lookup  AvailabilityLookup
	policy  config.FailPolicy
	logger  observability.Logger
	metrics *observability.Metrics
}

func NewResolver(lookup AvailabilityLookup, policy config.FailPolicy, logger observability.Logger, metrics *observability.Metrics) *Resolver {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Resolver{lookup: lookup, policy: policy, logger: logger, metrics: metrics}
}

// Lookup asks the Stock service without applying any fallback.
func (r *Resolver) Lookup(ctx context.Context, id int64) (bool, error) {
	if r.lookup == nil {
		return false, stock.ErrNotConfigured
	}
	return r.lookup.Availability(ctx, id)
}

// Resolve returns the live availability of id. Without a configured Stock
// service every product is available; on any other failure the policy
// default applies.
func (r *Resolver) Resolve(ctx context.Context, id int64) bool {
	available, err := r.Lookup(ctx, id)
	if err == nil {
		return available
	}
	if errors.Is(err, stock.ErrNotConfigured) {
		return true
	}

	fallback := r.policy.Default()
	r.metrics.AvailabilityDegraded(ctx, stock.PathSingle, observability.OutcomeFallback, 1)
	r.logger.Warn("Stock availability lookup failed, applying fail policy",
		zap.Error(err),
		zap.Int64("product_id", id),
		zap.String("policy", string(r.policy)),
		zap.Bool("available", fallback),
	)
	return fallback
}

// Default is the value assumed before a lookup has completed.
func (r *Resolver) Default() bool {
	if r.lookup == nil {
		return true
	}
	if c, ok := r.lookup.(interface{ Configured() bool }); ok && !c.Configured() {
		return true
	}
	return r.policy.Default()
}
