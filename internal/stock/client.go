package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ErrNotConfigured     = errors.New("stock service base URL not configured")
	ErrMalformedResponse = errors.New("malformed stock service response")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stock service returned %d for %s", e.StatusCode, e.URL)
}

// Metric path labels.
const (
	PathSingle  = "single"
	PathBatch   = "batch"
	PathListing = "listing"
)

// ListedProduct is one item of a restaurant listing. Fields the listing may
// omit are optional.
type ListedProduct struct {
	ID           catalogue.FlexID     `json:"id"`
	Name         catalogue.FlexString `json:"name"`
	RestaurantID catalogue.FlexID     `json:"restaurantId"`
}

// StockProduct returns the projection fields, or false if any is missing.
func (p ListedProduct) StockProduct() (catalogue.StockProduct, bool) {
	if !p.ID.Valid || !p.RestaurantID.Valid || !p.Name.Valid {
		return catalogue.StockProduct{}, false
	}
	return catalogue.StockProduct{ID: p.ID.Value, Name: p.Name.Value, RestaurantID: p.RestaurantID.Value}, true
}

type Options struct {
	BaseURL            string
	LookupTimeout      time.Duration
	ListTimeout        time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	Transport          http.RoundTripper
	Metrics            *observability.Metrics
}

// Client calls the Stock service. Every call has its own timeout; calls share
// one circuit breaker.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	lookupTimeout time.Duration
	listTimeout   time.Duration
	breaker       *gobreaker.CircuitBreaker
	metrics       *observability.Metrics
}

func NewClient(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopMetrics()
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stock-service",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
	})

	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		httpClient:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		lookupTimeout: opts.LookupTimeout,
		listTimeout:   opts.ListTimeout,
		breaker:       breaker,
		metrics:       opts.Metrics,
	}
}

// Configured reports whether a base URL was given.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Availability returns the available flag of one product.
func (c *Client) Availability(ctx context.Context, id int64) (bool, error) {
	var body struct {
		Available *bool `json:"available"`
	}
	url := fmt.Sprintf("%s/products/%d/availability/", c.baseURL, id)
	if err := c.get(ctx, PathSingle, c.lookupTimeout, url, &body); err != nil {
		return false, err
	}
	if body.Available == nil {
		return false, fmt.Errorf("%w: missing available field", ErrMalformedResponse)
	}
	return *body.Available, nil
}

// BatchAvailability returns the flags the service knows for ids. The map may
// be partial.
func (c *Client) BatchAvailability(ctx context.Context, ids []int64) (map[int64]bool, error) {
	if len(ids) == 0 {
		return map[int64]bool{}, nil
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	var body map[string]bool
	url := c.baseURL + "/products/availability/?ids=" + strings.Join(parts, ",")
	if err := c.get(ctx, PathBatch, c.lookupTimeout, url, &body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformedResponse)
	}

	out := make(map[int64]bool, len(body))
	for key, available := range body {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[id] = available
	}
	return out, nil
}

// ListProducts returns a restaurant's listing. Both {"results": [...]} and a
// bare array are accepted.
func (c *Client) ListProducts(ctx context.Context, restaurantID int64) ([]ListedProduct, error) {
	var raw json.RawMessage
	url := fmt.Sprintf("%s/products/?restaurantId=%d", c.baseURL, restaurantID)
	if err := c.get(ctx, PathListing, c.listTimeout, url, &raw); err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) > 0 && raw[0] == '[':
		var items []ListedProduct
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return items, nil
	case len(raw) > 0 && raw[0] == '{':
		var page struct {
			Results *[]ListedProduct `json:"results"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if page.Results == nil {
			return nil, fmt.Errorf("%w: missing results", ErrMalformedResponse)
		}
		return *page.Results, nil
	default:
		return nil, fmt.Errorf("%w: expected a list or a results page", ErrMalformedResponse)
	}
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration, url string, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.fetch(ctx, timeout, url, out)
	})

	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeFailed
	}
	c.metrics.StockLookup(ctx, path, outcome, time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("stock %s lookup: %w", path, err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, timeout time.Duration, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
