package stockevents

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/events"
	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/stock"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

type fakeLookup struct {
	mu        sync.Mutex
	available bool
	err       error
	calls     int
	block     chan struct{}
}

func (f *fakeLookup) Availability(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available, f.err
}

type fixture struct {
	store   *store.Memory
	bus     *messaging.MemoryBus
	service *ProjectionService
	handler *StockMessageHandler
}

func newFixture(t *testing.T, lookup AvailabilityLookup, policy config.FailPolicy, opts ...ServiceOption) *fixture {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemory()
	bus := messaging.NewMemoryBus()
	recorder := events.NewRecorder(config.DefaultNamespace, config.PublishInline, bus, logger, observability.NopMetrics())
	svc := NewService(st, NewResolver(lookup, policy, logger, nil), recorder, logger, noop.NewTracerProvider().Tracer("test"), observability.NopMetrics(), opts...)
	return &fixture{
		store:   st,
		bus:     bus,
		service: svc,
		handler: NewMessageHandler(svc, nil, logger, observability.NopMetrics()),
	}
}

func delivery(body string, headers map[string]string) (*messaging.Delivery, *bool) {
	acked := false
	msg := messaging.Message{RoutingKey: "stock.products.created", Body: []byte(body), Headers: headers}
	return messaging.NewDelivery(msg, func(context.Context) error {
		acked = true
		return nil
	}), &acked
}

func productEvent(action string, id int64, name string) string {
	return `{"resource":"products","action":"` + action + `","id":` + strconv.FormatInt(id, 10) +
		`,"timestamp":"2024-01-01T00:00:00Z","payload":{"id":` + strconv.FormatInt(id, 10) +
		`,"name":"` + name + `","restaurantId":3}}`
}

func TestCreatedEventUsesLiveAvailability(t *testing.T) {
	f := newFixture(t, &fakeLookup{available: false}, config.FailOpen)
	d, acked := delivery(productEvent("created", 10, "Ramen"), nil)

	require.NoError(t, f.handler.Handle(context.Background(), d))
	assert.True(t, *acked)

	p, err := f.store.GetProduct(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "Ramen", p.Name)
	assert.Equal(t, int64(3), p.RestaurantID)
	assert.False(t, p.Available)

	published := f.bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "catalogue.product.created", published[0].RoutingKey)
}

func TestLookupFailureAppliesFailPolicy(t *testing.T) {
	tests := []struct {
		name   string
		lookup AvailabilityLookup
		policy config.FailPolicy
		want   bool
	}{
		{"timeout fails open", &fakeLookup{err: context.DeadlineExceeded}, config.FailOpen, true},
		{"error fails closed", &fakeLookup{err: &stock.StatusError{StatusCode: 503}}, config.FailClosed, false},
		{"unconfigured is always available", nil, config.FailClosed, true},
		{"unconfigured client is always available", stock.NewClient(stock.Options{}), config.FailClosed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.lookup, tt.policy)
			res, err := f.service.Apply(context.Background(), mustParse(t, productEvent("updated", 4, "Tacos")))
			require.NoError(t, err)
			assert.Equal(t, OutcomeCreated, res.Outcome)

			p, err := f.store.GetProduct(context.Background(), 4)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Available)
		})
	}
}

func TestPolicyFallbackIsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	NewResolver(&fakeLookup{err: context.DeadlineExceeded}, config.FailOpen, zap.NewNop(), metrics).Resolve(ctx, 1)
	NewResolver(&fakeLookup{available: true}, config.FailOpen, zap.NewNop(), metrics).Resolve(ctx, 2)
	NewResolver(stock.NewClient(stock.Options{}), config.FailClosed, zap.NewNop(), metrics).Resolve(ctx, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var fallbacks int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "catalogue.stock.availability.degraded" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				assert.Equal(t, observability.OutcomeFallback, outcome.AsString())
				fallbacks += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), fallbacks)
}

func mustParse(t *testing.T, body string) StockEvent {
	t.Helper()
	ev, err := ParseEvent([]byte(body))
	require.NoError(t, err)
	return ev
}

func TestMalformedEventsAreAckedAndDiscarded(t *testing.T) {
	bodies := map[string]string{
		"invalid json":       `{"resource":`,
		"missing name":       `{"resource":"products","action":"created","id":1,"payload":{"restaurantId":3}}`,
		"null name":          `{"resource":"products","action":"created","id":1,"payload":{"name":null,"restaurantId":3}}`,
		"missing restaurant": `{"resource":"products","action":"updated","id":1,"payload":{"name":"Pho"}}`,
		"missing id":         `{"resource":"products","action":"deleted","payload":{}}`,
		"bad id":             `{"resource":"products","action":"created","id":"abc","payload":{"name":"Pho","restaurantId":3}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
			d, acked := delivery(body, nil)

			require.NoError(t, f.handler.Handle(context.Background(), d))
			assert.True(t, *acked)

			products, err := f.store.ListProducts(context.Background(), catalogue.ProductFilter{})
			require.NoError(t, err)
			assert.Empty(t, products)
			assert.Empty(t, f.bus.Published())
		})
	}
}

func TestAnyPresentNameIsProjected(t *testing.T) {
	for body, want := range map[string]string{
		`{"resource":"products","action":"created","id":1,"payload":{"name":"","restaurantId":3}}`: "",
		`{"resource":"products","action":"created","id":1,"payload":{"name":17,"restaurantId":3}}`: "17",
	} {
		sp, err := mustParse(t, body).StockProduct()
		require.NoError(t, err)
		assert.Equal(t, want, sp.Name)
	}
}

func TestIDFallsBackToPayload(t *testing.T) {
	ev := mustParse(t, `{"resource":"products","action":"created","payload":{"id":"77","name":"Pho","restaurantId":"3"}}`)
	sp, err := ev.StockProduct()
	require.NoError(t, err)
	assert.Equal(t, int64(77), sp.ID)
	assert.Equal(t, int64(3), sp.RestaurantID)
}

func TestDeleteThenRecreateResurrects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)

	_, err := f.service.Apply(ctx, mustParse(t, productEvent("created", 8, "Bagel")))
	require.NoError(t, err)

	res, err := f.service.Apply(ctx, mustParse(t, `{"resource":"products","action":"deleted","id":8}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSoftDeleted, res.Outcome)

	p, err := f.store.GetProduct(ctx, 8)
	require.NoError(t, err)
	assert.True(t, p.Deleted())

	res, err = f.service.Apply(ctx, mustParse(t, productEvent("updated", 8, "Bagel")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	p, err = f.store.GetProduct(ctx, 8)
	require.NoError(t, err)
	assert.False(t, p.Deleted())

	var keys []string
	for _, msg := range f.bus.Published() {
		keys = append(keys, msg.RoutingKey)
	}
	assert.Equal(t, []string{"catalogue.product.created", "catalogue.product.updated", "catalogue.product.updated"}, keys)
}

func TestDeleteOfUnknownProductIsIgnored(t *testing.T) {
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
	d, acked := delivery(`{"resource":"products","action":"deleted","id":404}`, nil)

	require.NoError(t, f.handler.Handle(context.Background(), d))
	assert.True(t, *acked)
	assert.Empty(t, f.bus.Published())
}

func TestOtherResourcesAndActionsAreNotProjected(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{available: true}
	f := newFixture(t, lookup, config.FailOpen)

	res, err := f.service.Apply(ctx, mustParse(t, `{"resource":"ingredients","action":"created","id":1,"payload":{"name":"Salt","restaurantId":3}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, res.Outcome)

	res, err = f.service.Apply(ctx, mustParse(t, `{"resource":"products","action":"archived","id":1}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	_, err = f.store.GetProduct(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, lookup.calls)
}

func TestStoreFailureLeavesDeliveryUnacked(t *testing.T) {
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
	down := errors.New("database down")
	f.store.FailWith(down)

	d, acked := delivery(productEvent("created", 2, "Kebab"), nil)
	err := f.handler.Handle(context.Background(), d)
	require.ErrorIs(t, err, down)
	assert.False(t, *acked)
	assert.Empty(t, f.bus.Published())
}

func TestCollisionWithCatalogueRowStillProjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)

	api, err := f.store.CreateProduct(ctx, catalogue.Product{Name: "Curry", RestaurantID: 3})
	require.NoError(t, err)

	res, err := f.service.Apply(ctx, mustParse(t, productEvent("updated", api.ID, "Green curry")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	p, err := f.store.GetProduct(ctx, api.ID)
	require.NoError(t, err)
	assert.Equal(t, "Green curry", p.Name)
}

func TestRedisDeduperSkipsRedeliveredEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lookup := &fakeLookup{available: true}
	f := newFixture(t, lookup, config.FailOpen)
	handler := NewMessageHandler(f.service, NewRedisDeduper(client, time.Hour), zap.NewNop(), observability.NopMetrics())

	headers := map[string]string{messaging.HeaderEventID: "evt-1"}
	for i := 0; i < 2; i++ {
		d, acked := delivery(productEvent("created", 5, "Gyoza"), headers)
		require.NoError(t, handler.Handle(context.Background(), d))
		assert.True(t, *acked)
	}

	assert.Equal(t, 1, lookup.calls)
	assert.Len(t, f.bus.Published(), 1)
	assert.True(t, mr.Exists("catalogue:stock-events:evt-1"))
	assert.Equal(t, time.Hour, mr.TTL("catalogue:stock-events:evt-1"))
}

func TestDeduperOutageFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
	handler := NewMessageHandler(f.service, NewRedisDeduper(client, time.Hour), zap.NewNop(), observability.NopMetrics())

	d, acked := delivery(productEvent("created", 6, "Udon"), map[string]string{messaging.HeaderEventID: "evt-2"})
	require.NoError(t, handler.Handle(context.Background(), d))
	assert.True(t, *acked)

	_, err := f.store.GetProduct(context.Background(), 6)
	assert.NoError(t, err)
}

func TestAsyncLookupRefreshesAvailability(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{available: false, block: make(chan struct{})}
	logger := zap.NewNop()
	st := store.NewMemory()
	bus := messaging.NewMemoryBus()
	recorder := events.NewRecorder(config.DefaultNamespace, config.PublishInline, bus, logger, observability.NopMetrics())
	resolver := NewResolver(lookup, config.FailOpen, logger, nil)
	refresher := NewRefresher(st, resolver, recorder, 2, time.Second, logger)
	svc := NewService(st, resolver, recorder, logger, noop.NewTracerProvider().Tracer("test"), observability.NopMetrics(), WithAsyncLookup(refresher))

	_, err := svc.Apply(ctx, mustParse(t, productEvent("created", 9, "Mochi")))
	require.NoError(t, err)

	p, err := st.GetProduct(ctx, 9)
	require.NoError(t, err)
	assert.True(t, p.Available, "row should carry the fail-open default until the lookup lands")

	close(lookup.block)
	refresher.Wait()

	p, err = st.GetProduct(ctx, 9)
	require.NoError(t, err)
	assert.False(t, p.Available)
	assert.Len(t, bus.Published(), 2)
}

func TestShardPoolKeepsPerKeyOrder(t *testing.T) {
	pool := NewShardPool(4)
	assert.Equal(t, 4, pool.Size())

	var mu sync.Mutex
	seen := map[string][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []string{"1", "2", "3"} {
			i, key := i, key
			require.NoError(t, pool.Submit(context.Background(), key, func() {
				mu.Lock()
				defer mu.Unlock()
				seen[key] = append(seen[key], i)
			}))
		}
	}
	pool.Close()

	for _, key := range []string{"1", "2", "3"} {
		require.Len(t, seen[key], 50)
		for i, v := range seen[key] {
			assert.Equal(t, i, v)
		}
	}
}

func TestShardPoolSingleShardRunsInline(t *testing.T) {
	pool := NewShardPool(1)
	ran := false
	require.NoError(t, pool.Submit(context.Background(), "x", func() { ran = true }))
	assert.True(t, ran)
	pool.Close()
}

func TestShardKeyUsesProductID(t *testing.T) {
	assert.Equal(t, "12", shardKey([]byte(productEvent("created", 12, "Pie"))))
	assert.Equal(t, "12", shardKey([]byte(`{"payload":{"id":"12"}}`)))
	assert.Equal(t, "", shardKey([]byte(`nope`)))
}

func TestConsumerServiceDrainsSubscription(t *testing.T) {
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
	stockBus := messaging.NewMemoryBus()
	sub := stockBus.Subscribe(config.StockBindingPattern)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, stockBus.WriteMessage(context.Background(), messaging.Message{
			RoutingKey: "stock.products.created",
			Body:       []byte(productEvent("created", i, "Dish")),
		}))
	}
	require.NoError(t, stockBus.WriteMessage(context.Background(), messaging.Message{
		RoutingKey: "payments.order.paid",
		Body:       []byte(`{}`),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var handled atomic.Int32
	svc := NewConsumerService(sub, countingHandler{f.handler, &handled}, NewShardPool(2), zap.NewNop())
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return handled.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, sub.Acked(), 3)
	for i := int64(1); i <= 3; i++ {
		_, err := f.store.GetProduct(context.Background(), i)
		assert.NoError(t, err)
	}
}

func TestConsumerServiceKeepsGoingAfterMalformedEvent(t *testing.T) {
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
	sub := messaging.NewMemoryBus().Subscribe(config.StockBindingPattern)
	sub.Inject(messaging.Message{
		RoutingKey: "stock.products.created",
		Body:       []byte(`{"resource":"products","action":"created","id":1,"payload":{"restaurantId":3}}`),
	})
	sub.Inject(messaging.Message{
		RoutingKey: "stock.products.created",
		Body:       []byte(productEvent("created", 2, "Soup")),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	svc := NewConsumerService(sub, f.handler, nil, zap.NewNop())
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return len(sub.Acked()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, err := f.store.GetProduct(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	p, err := f.store.GetProduct(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Soup", p.Name)
}

func TestConsumerServiceRetriesFailedDeliveryBeforeReadingNext(t *testing.T) {
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
	f.store.FailWith(errors.New("database down"))

	sub := messaging.NewMemoryBus().Subscribe(config.StockBindingPattern)
	first := productEvent("created", 10, "Tacos")
	second := productEvent("created", 11, "Nachos")
	sub.Inject(messaging.Message{RoutingKey: "stock.products.created", Body: []byte(first)})
	sub.Inject(messaging.Message{RoutingKey: "stock.products.created", Body: []byte(second)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var handled atomic.Int32
	svc := NewConsumerService(sub, countingHandler{f.handler, &handled}, nil, zap.NewNop())
	svc.retryDelay = 5 * time.Millisecond
	svc.maxRetryDelay = 20 * time.Millisecond
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return handled.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sub.Acked())
	assert.Equal(t, 1, sub.Pending(), "the next delivery is not read while the first one fails")

	f.store.FailWith(nil)
	require.Eventually(t, func() bool { return len(sub.Acked()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	acked := sub.Acked()
	assert.Equal(t, first, string(acked[0].Body))
	assert.Equal(t, second, string(acked[1].Body))
	for _, id := range []int64{10, 11} {
		_, err := f.store.GetProduct(context.Background(), id)
		assert.NoError(t, err)
	}
}

func TestConsumerServiceStopsRetryingOnCancel(t *testing.T) {
	f := newFixture(t, &fakeLookup{available: true}, config.FailOpen)
	f.store.FailWith(errors.New("database down"))
	sub := messaging.NewMemoryBus().Subscribe(config.StockBindingPattern)
	sub.Inject(messaging.Message{RoutingKey: "stock.products.created", Body: []byte(productEvent("created", 5, "Ramen"))})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var handled atomic.Int32
	svc := NewConsumerService(sub, countingHandler{f.handler, &handled}, nil, zap.NewNop())
	svc.retryDelay = 5 * time.Millisecond
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return handled.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
	assert.Empty(t, sub.Acked())
}

type countingHandler struct {
	next  MessageHandler
	count *atomic.Int32
}

func (h countingHandler) Handle(ctx context.Context, d *messaging.Delivery) error {
	defer h.count.Add(1)
	return h.next.Handle(ctx, d)
}
