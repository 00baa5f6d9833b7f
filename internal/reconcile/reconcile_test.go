package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/events"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/stock"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

func newJob(t *testing.T, listing Listing, st store.Store) *Job {
	t.Helper()
	logger := zap.NewNop()
	recorder := events.NewRecorder(config.DefaultNamespace, config.PublishOutbox, nil, logger, observability.NopMetrics())
	return NewJob(listing, st, recorder, logger, noop.NewTracerProvider().Tracer("test"), observability.NopMetrics())
}

func listingServer(t *testing.T, body string) *stock.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("restaurantId"))
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return stock.NewClient(stock.Options{BaseURL: srv.URL, ListTimeout: time.Second})
}

func TestRunCreatesUpdatesAndSkips(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	description := "old"
	_, err := st.UpsertFromEvent(ctx, catalogue.StockProduct{ID: 2, Name: "Old name", RestaurantID: 7})
	require.NoError(t, err)
	existing, err := st.GetProduct(ctx, 2)
	require.NoError(t, err)
	existing.Description = &description
	existing.Price = catalogue.MustMoney("4.20")
	_, err = st.UpdateProduct(ctx, existing)
	require.NoError(t, err)
	_, _, err = st.SoftDeleteProduct(ctx, 2, time.Now())
	require.NoError(t, err)

	client := listingServer(t, `{"results": [
		{"id": 1, "name": "Poke", "restaurantId": 7},
		{"id": "2", "name": "New name", "restaurantId": "7"},
		{"id": 3, "restaurantId": 7},
		{"name": "No id", "restaurantId": 7}
	]}`)

	report, err := newJob(t, client, st).Run(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, Report{Created: 1, Updated: 1, Skipped: 2}, report)

	created, err := st.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.True(t, created.Available)
	assert.Equal(t, "0.00", created.Price.String())
	assert.Equal(t, catalogue.OriginStock, created.Origin)

	updated, err := st.GetProduct(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "New name", updated.Name)
	assert.Nil(t, updated.Description)
	assert.Equal(t, "0.00", updated.Price.String())
	assert.True(t, updated.Deleted(), "listing sync leaves the soft-delete marker alone")

	_, err = st.GetProduct(ctx, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Len(t, st.Outbox(), 2)
}

func TestRunAbortsOnTransportFailure(t *testing.T) {
	tests := map[string]Listing{
		"not configured": stock.NewClient(stock.Options{}),
		"bad shape":      listingServer(t, `{"items": []}`),
	}
	for name, listing := range tests {
		t.Run(name, func(t *testing.T) {
			st := store.NewMemory()
			report, err := newJob(t, listing, st).Run(context.Background(), 7)
			require.Error(t, err)
			assert.Zero(t, report)
			assert.Empty(t, st.Outbox())
		})
	}
}

type staticListing []stock.ListedProduct

func (l staticListing) ListProducts(context.Context, int64) ([]stock.ListedProduct, error) {
	return l, nil
}

type failAfter struct {
	*store.Memory
	remaining int
}

func (f *failAfter) InTx(ctx context.Context, fn func(tx store.Repository) error) error {
	if f.remaining == 0 {
		return errors.New("connection reset")
	}
	f.remaining--
	return f.Memory.InTx(ctx, fn)
}

func TestRunKeepsCommittedRowsOnStoreFailure(t *testing.T) {
	name := catalogue.FlexString{Value: "Dish", Valid: true}
	id := func(v int64) catalogue.FlexID { return catalogue.FlexID{Value: v, Valid: true} }
	listing := staticListing{
		{ID: id(1), Name: name, RestaurantID: id(7)},
		{ID: id(2), Name: name, RestaurantID: id(7)},
	}

	st := &failAfter{Memory: store.NewMemory(), remaining: 1}
	report, err := newJob(t, listing, st).Run(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, Report{Created: 1}, report)

	_, err = st.GetProduct(context.Background(), 1)
	assert.NoError(t, err)
}
