package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:       srv.URL + "/",
		LookupTimeout: 200 * time.Millisecond,
		ListTimeout:   200 * time.Millisecond,
	}), srv
}

func TestAvailability(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/42/availability/", r.URL.Path)
		fmt.Fprint(w, `{"available": false}`)
	})

	available, err := client.Availability(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, available)
}

func TestAvailabilityFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, err error) {
				var statusErr *StatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `not json`)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
		{
			name: "missing field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"stock": 3}`)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(time.Second):
				case <-r.Context().Done():
				}
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			_, err := client.Availability(context.Background(), 1)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestNotConfigured(t *testing.T) {
	client := NewClient(Options{})
	assert.False(t, client.Configured())

	_, err := client.Availability(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.BatchAvailability(context.Background(), []int64{1})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.ListProducts(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestBatchAvailability(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/availability/", r.URL.Path)
		assert.Equal(t, "1,2,3", r.URL.Query().Get("ids"))
		fmt.Fprint(w, `{"1": true, "3": false, "junk": true}`)
	})

	got, err := client.BatchAvailability(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 3: false}, got)
}

func TestBatchAvailabilityWithoutIDsMakesNoCall(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	got, err := client.BatchAvailability(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, calls.Load())
}

func TestListProductsAcceptsBothShapes(t *testing.T) {
	for name, body := range map[string]string{
		"paginated": `{"count": 2, "results": [{"id": 1, "name": "A", "restaurantId": 9}, {"id": "2", "name": "B", "restaurantId": "9"}]}`,
		"flat":      `[{"id": 1, "name": "A", "restaurantId": 9}, {"id": "2", "name": "B", "restaurantId": "9"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "9", r.URL.Query().Get("restaurantId"))
				fmt.Fprint(w, body)
			})

			items, err := client.ListProducts(context.Background(), 9)
			require.NoError(t, err)
			require.Len(t, items, 2)

			sp, ok := items[1].StockProduct()
			require.True(t, ok)
			assert.Equal(t, int64(2), sp.ID)
			assert.Equal(t, int64(9), sp.RestaurantID)
		})
	}
}

func TestListProductsRejectsBadShape(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": []}`)
	})

	_, err := client.ListProducts(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestListedProductRequiresAllFields(t *testing.T) {
	_, ok := ListedProduct{Name: catalogue.FlexString{Value: "Soup", Valid: true}}.StockProduct()
	assert.False(t, ok)
}

func TestListedProductAcceptsAnyPresentName(t *testing.T) {
	var items []ListedProduct
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": 1, "name": "", "restaurantId": 2},
		{"id": 2, "name": 404, "restaurantId": 2},
		{"id": 3, "name": null, "restaurantId": 2}
	]`), &items))

	sp, ok := items[0].StockProduct()
	require.True(t, ok)
	assert.Equal(t, "", sp.Name)
	sp, ok = items[1].StockProduct()
	require.True(t, ok)
	assert.Equal(t, "404", sp.Name)
	_, ok = items[2].StockProduct()
	assert.False(t, ok)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Options{
		BaseURL:            srv.URL,
		BreakerFailures:    2,
		BreakerOpenTimeout: time.Minute,
	})

	for i := 0; i < 2; i++ {
		_, err := client.Availability(context.Background(), 1)
		require.Error(t, err)
	}
	_, err := client.Availability(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), calls.Load())
}
