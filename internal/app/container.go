package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/enrich"
	"github.com/cesigoodfood/api-catalogue/internal/events"
	"github.com/cesigoodfood/api-catalogue/internal/httpapi"
	"github.com/cesigoodfood/api-catalogue/internal/menu"
	"github.com/cesigoodfood/api-catalogue/internal/platform/kafka"
	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	natsplatform "github.com/cesigoodfood/api-catalogue/internal/platform/nats"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"
	"github.com/cesigoodfood/api-catalogue/internal/platform/postgres"
	redisplatform "github.com/cesigoodfood/api-catalogue/internal/platform/redis"
	"github.com/cesigoodfood/api-catalogue/internal/reconcile"
	"github.com/cesigoodfood/api-catalogue/internal/stock"
	"github.com/cesigoodfood/api-catalogue/internal/stockevents"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	connectRetries = 5
	connectBackoff = 500 * time.Millisecond
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config         *config.Config
	component      string
	logger         *zap.Logger
	tracer         observability.Tracer
	tracerProvider trace.TracerProvider
	metrics        *observability.Metrics
	registry       *prometheus.Registry

	store       store.Store
	natsConn    *natsplatform.Conn
	producer    messaging.Producer
	redis       *goredis.Client
	stockClient *stock.Client
	recorder    *events.Recorder
	dispatcher  *events.Dispatcher

	otelLogShutdown    func(context.Context) error
	otelTraceShutdown  func(context.Context) error
	otelMetricShutdown func(context.Context) error
}

// NewContainer loads the configuration and connects every shared dependency.
// component names the binary in logs.
func NewContainer(ctx context.Context, component string) (*Container, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	c := &Container{config: cfg, component: component}

	if err := c.setupLogger(); err != nil {
		return nil, err
	}
	if err := c.setupObservability(ctx); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	if err := c.setupStore(ctx); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	if err := c.setupTransport(ctx); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	c.setupStock()
	c.setupChanges()

	return c, nil
}

// setupLogger initializes the bootstrap console logger
func (c *Container) setupLogger() error {
	logger, err := observability.NewLogger(c.config.LogLevel)
	if err != nil {
		return err
	}
	c.logger = logger.With(zap.String("component", c.component))
	return nil
}

// setupObservability configures OpenTelemetry logging, tracing and metrics
func (c *Container) setupObservability(ctx context.Context) error {
	otelLogShutdown, err := observability.SetupLoggingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}
	c.otelLogShutdown = otelLogShutdown

	tp, otelTraceShutdown, err := observability.SetupTracingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	c.otelTraceShutdown = otelTraceShutdown

	c.tracerProvider = otel.GetTracerProvider()
	if tp != nil {
		c.tracerProvider = tp
	}
	c.tracer = c.tracerProvider.Tracer(config.ServiceName)

	mp, registry, otelMetricShutdown, err := observability.SetupMetricsSDK(ctx, c.config)
	if err != nil {
		return fmt.Errorf("failed to setup metrics: %w", err)
	}
	c.otelMetricShutdown = otelMetricShutdown
	c.registry = registry

	c.metrics, err = observability.NewMetrics(mp.Meter(config.ServiceName))
	if err != nil {
		return fmt.Errorf("failed to create metric instruments: %w", err)
	}

	if c.config.OtelEndpoint != "" {
		c.reinitializeLoggerWithOTel()
	}
	return nil
}

// reinitializeLoggerWithOTel tees the console output with the OTel log bridge
func (c *Container) reinitializeLoggerWithOTel() {
	level := c.logger.Level()
	c.logger = observability.NewBridgedLogger(c.component, level)
	c.logger.Info("Logger re-initialized with OpenTelemetry bridge", zap.String("level", level.String()))
}

func (c *Container) setupStore(ctx context.Context) error {
	err := c.withRetry(ctx, "postgres", func(ctx context.Context) error {
		pool, err := postgres.NewPool(ctx, c.config.DatabaseURL)
		if err != nil {
			return err
		}
		c.store = store.NewPostgres(pool)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to the database: %w", err)
	}
	c.logger.Info("✅ Connected to PostgreSQL")
	return nil
}

func (c *Container) setupTransport(ctx context.Context) error {
	switch c.config.Transport {
	case config.TransportKafka:
		producer, err := kafka.NewProducer(c.config.KafkaBrokers, c.config.Exchange, c.tracerProvider)
		if err != nil {
			return err
		}
		c.producer = producer
		c.logger.Info("Kafka producer ready",
			zap.Strings("brokers", c.config.KafkaBrokers),
			zap.String("topic", c.config.Exchange),
		)
	default:
		natsCfg := natsplatform.DefaultConfig(c.config.NATSURL, c.config.Exchange,
			c.config.Namespace+".>",
			"stock.>",
		)
		natsCfg.User, natsCfg.Password = c.config.NATSUser, c.config.NATSPass
		natsCfg.ClientName = config.ServiceName + "-" + c.component

		err := c.withRetry(ctx, "nats", func(context.Context) error {
			conn, err := natsplatform.Connect(natsCfg, c.logger)
			if err != nil {
				return err
			}
			c.natsConn = conn
			return nil
		})
		if err != nil {
			return err
		}
		c.producer = c.natsConn
		c.logger.Info("✅ Connected to NATS JetStream", zap.String("stream", natsCfg.Stream))
	}
	return nil
}

func (c *Container) setupStock() {
	c.stockClient = stock.NewClient(stock.Options{
		BaseURL:            c.config.StockAPIBase,
		LookupTimeout:      c.config.StockLookupTimeout,
		ListTimeout:        c.config.StockListTimeout,
		BreakerFailures:    c.config.StockBreakerFailures,
		BreakerOpenTimeout: c.config.StockBreakerOpenTimeout,
		Metrics:            c.metrics,
	})
	if !c.config.StockConfigured() {
		c.logger.Warn("STOCK_API_BASE not set, every product is treated as available")
	}
}

func (c *Container) setupChanges() {
	c.dispatcher = events.NewDispatcher(c.store, c.producer,
		c.config.OutboxPollInterval, c.config.OutboxBatchSize, c.logger, c.metrics)
	c.recorder = events.NewRecorder(c.config.Namespace, c.config.PublishMode, c.producer, c.logger, c.metrics,
		events.WithNotify(c.dispatcher.Notify),
	)
}

// withRetry retries fn with exponential backoff while a dependency starts up.
func (c *Container) withRetry(ctx context.Context, dependency string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(connectRetries, retry.NewExponential(connectBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			c.logger.Warn("Dependency not ready, retrying", zap.String("dependency", dependency), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
}

// HTTPHandler assembles the traced API router.
func (c *Container) HTTPHandler() (http.Handler, error) {
	verifier, err := httpapi.NewTokenVerifier(c.config.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		c.logger.Warn("JWT_PUBLIC_KEY not set, write endpoints will reject every request")
	}

	router := httpapi.NewRouter(httpapi.Options{
		Menu:     menu.NewService(c.store, c.recorder, c.logger),
		Enricher: enrich.NewEnricher(c.stockClient, c.logger, c.metrics),
		Health:   c.store,
		Metrics:  promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}),
		Verifier: verifier,
		Logger:   c.logger,
	})
	return httpapi.NewHandler(router), nil
}

// StockSubscription binds a consumer to the inventory routing keys.
func (c *Container) StockSubscription() (messaging.Consumer, error) {
	if c.config.Transport == config.TransportKafka {
		return kafka.NewConsumer(c.config.KafkaBrokers, c.config.Exchange, c.config.KafkaGroupID,
			config.StockBindingPattern, c.logger), nil
	}
	return c.natsConn.Subscribe(config.StockBindingPattern, config.ConsumerGroupID)
}

// Deduper returns the Redis event-id deduper, or a no-op one when Redis is
// not configured or unreachable.
func (c *Container) Deduper(ctx context.Context) stockevents.Deduper {
	if c.config.RedisAddr == "" {
		return stockevents.NopDeduper{}
	}
	if c.redis == nil {
		client, err := redisplatform.NewClient(ctx, c.config.RedisAddr, c.config.RedisPassword)
		if err != nil {
			c.logger.Warn("Redis unavailable, event deduplication disabled", zap.Error(err))
			return stockevents.NopDeduper{}
		}
		c.redis = client
	}
	return stockevents.NewRedisDeduper(c.redis, c.config.DedupTTL)
}

// ConsumerService wires the stock event pipeline on top of sub.
func (c *Container) ConsumerService(ctx context.Context, sub messaging.Consumer) (*stockevents.StockConsumerService, *stockevents.Refresher) {
	resolver := stockevents.NewResolver(c.stockClient, c.config.StockFailPolicy, c.logger, c.metrics)

	var (
		opts      []stockevents.ServiceOption
		refresher *stockevents.Refresher
	)
	if c.config.StockLookupAsync {
		refresher = stockevents.NewRefresher(c.store, resolver, c.recorder,
			c.config.StockLookupAsyncLimit, c.config.StockLookupTimeout, c.logger)
		opts = append(opts, stockevents.WithAsyncLookup(refresher))
	}

	service := stockevents.NewService(c.store, resolver, c.recorder, c.logger, c.tracer, c.metrics, opts...)
	handler := stockevents.NewMessageHandler(service, c.Deduper(ctx), c.logger, c.metrics)
	shards := c.config.ConsumerShards
	if c.config.Transport == config.TransportKafka && shards > 1 {
		// Offsets are committed per partition; parallel shards would commit past
		// a delivery still being retried.
		c.logger.Warn("CONSUMER_SHARDS ignored on the kafka transport, using one shard", zap.Int("configured", shards))
		shards = 1
	}
	pool := stockevents.NewShardPool(shards)
	return stockevents.NewConsumerService(sub, handler, pool, c.logger), refresher
}

func (c *Container) SyncJob() *reconcile.Job {
	return reconcile.NewJob(c.stockClient, c.store, c.recorder, c.logger, c.tracer, c.metrics)
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	if c.natsConn != nil {
		if err := c.natsConn.Close(); err != nil {
			c.logger.Error("Failed to close NATS connection", zap.Error(err))
		}
	} else if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.logger.Error("Failed to close message producer", zap.Error(err))
		}
	}

	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("Failed to close Redis client", zap.Error(err))
		}
	}

	if c.store != nil {
		c.store.Close()
	}

	var otelErr error
	for _, shutdown := range []func(context.Context) error{c.otelMetricShutdown, c.otelTraceShutdown, c.otelLogShutdown} {
		if shutdown != nil {
			otelErr = errors.Join(otelErr, shutdown(ctx))
		}
	}
	if otelErr != nil {
		c.logger.Error("Failed to shutdown OpenTelemetry", zap.Error(otelErr))
	}

	c.logger.Info("Infrastructure shutdown complete")
	_ = c.logger.Sync()
}

// Getters for accessing infrastructure components
func (c *Container) Config() *config.Config         { return c.config }
func (c *Container) Logger() observability.Logger   { return c.logger }
func (c *Container) Tracer() observability.Tracer   { return c.tracer }
func (c *Container) Dispatcher() *events.Dispatcher { return c.dispatcher }
