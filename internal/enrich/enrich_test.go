package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/stock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func products(ids ...int64) []catalogue.Product {
	out := make([]catalogue.Product, len(ids))
	for i, id := range ids {
		out[i] = catalogue.Product{ID: id, Name: fmt.Sprintf("p%d", id), Available: true}
	}
	return out
}

func stockServer(t *testing.T, handler http.HandlerFunc) *stock.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return stock.NewClient(stock.Options{BaseURL: srv.URL, LookupTimeout: 200 * time.Millisecond})
}

func TestOneUsesRemoteAvailability(t *testing.T) {
	client := stockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"available": false}`)
	})

	got := NewEnricher(client, zap.NewNop(), nil).One(context.Background(), products(1)[0])
	require.NotNil(t, got.InStock)
	assert.False(t, *got.InStock)
	assert.True(t, got.Available, "cached flag is left untouched")
}

func TestOneFailureIsUnknown(t *testing.T) {
	client := stockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	got := NewEnricher(client, zap.NewNop(), nil).One(context.Background(), products(1)[0])
	assert.Nil(t, got.InStock)

	got = NewEnricher(stock.NewClient(stock.Options{}), zap.NewNop(), nil).One(context.Background(), products(1)[0])
	assert.Nil(t, got.InStock)
}

func TestPageMissingIDsAreOutOfStock(t *testing.T) {
	client := stockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1,2,3", r.URL.Query().Get("ids"))
		fmt.Fprint(w, `{"1": true, "3": false}`)
	})

	got := NewEnricher(client, zap.NewNop(), nil).Page(context.Background(), products(1, 2, 3))
	require.Len(t, got, 3)
	for i, want := range []bool{true, false, false} {
		require.NotNil(t, got[i].InStock)
		assert.Equal(t, want, *got[i].InStock, "product %d", got[i].ID)
	}
}

func TestPageFailureIsUnknownForEveryItem(t *testing.T) {
	client := stockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[1, 2]`)
	})

	got := NewEnricher(client, zap.NewNop(), nil).Page(context.Background(), products(1, 2))
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Nil(t, p.InStock)
	}
}

func TestEmptyPageMakesNoCall(t *testing.T) {
	var calls atomic.Int32
	client := stockServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	got := NewEnricher(client, zap.NewNop(), nil).Page(context.Background(), nil)
	assert.Empty(t, got)
	assert.Zero(t, calls.Load())
}

type failingLookup struct{}

func (failingLookup) Availability(context.Context, int64) (bool, error) {
	return false, errors.New("unreachable")
}

func (failingLookup) BatchAvailability(context.Context, []int64) (map[int64]bool, error) {
	return nil, errors.New("unreachable")
}

func TestSingleAndListDegradeDifferently(t *testing.T) {
	e := NewEnricher(failingLookup{}, zap.NewNop(), nil)
	assert.Nil(t, e.One(context.Background(), products(5)[0]).InStock)
	assert.Nil(t, e.Page(context.Background(), products(5))[0].InStock)

	unconfigured := NewEnricher(nil, zap.NewNop(), nil)
	assert.Nil(t, unconfigured.One(context.Background(), products(5)[0]).InStock)
	assert.Nil(t, unconfigured.Page(context.Background(), products(5))[0].InStock)
}

func degradedByPath(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "catalogue.stock.availability.degraded" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				require.Equal(t, observability.OutcomeUnknown, outcome.AsString())
				path, _ := dp.Attributes.Value(attribute.Key("path"))
				out[path.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestUnknownAvailabilityIsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	e := NewEnricher(failingLookup{}, zap.NewNop(), metrics)
	e.One(context.Background(), products(1)[0])
	e.Page(context.Background(), products(1, 2, 3))
	e.Page(context.Background(), nil)

	assert.Equal(t, map[string]int64{stock.PathSingle: 1, stock.PathBatch: 3}, degradedByPath(t, reader))
}
