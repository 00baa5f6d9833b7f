package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ServiceName    = "api-catalogue"
	ServiceVersion = "0.1.0"
)

const (
	DefaultExchange      = "goodfood.events"
	DefaultNamespace     = "catalogue"
	StockBindingPattern  = "stock.#"
	StockProductResource = "products"
	ConsumerGroupID      = "catalogue-stock-consumer"
	BatchTimeout         = 10 * time.Millisecond
	BatchSize            = 100
)

const (
	LogsPath       = "/otlp/v1/logs"
	TracesPath     = "/otlp/v1/traces"
	MetricsPath    = "/otlp/v1/metrics"
	ExportTimeout  = 30 * time.Second
	MaxQueueSize   = 2048
	MetricInterval = 15 * time.Second
)

// Transport selects the event transport implementation.
type Transport string

const (
	TransportNATS  Transport = "nats"
	TransportKafka Transport = "kafka"
)

// PublishMode selects how catalogue changes reach the transport.
type PublishMode string

const (
	PublishOutbox PublishMode = "outbox"
	PublishInline PublishMode = "inline"
)

// FailPolicy decides the availability assumed when the Stock service cannot answer.
type FailPolicy string

const (
	FailOpen   FailPolicy = "open"
	FailClosed FailPolicy = "closed"
)

// Default returns the availability value the policy resolves failures to.
func (p FailPolicy) Default() bool {
	return p != FailClosed
}

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string

	Transport    Transport
	Exchange     string
	Namespace    string
	NATSURL      string
	NATSUser     string
	NATSPass     string
	KafkaBrokers []string
	KafkaGroupID string

	StockAPIBase            string
	StockLookupTimeout      time.Duration
	StockListTimeout        time.Duration
	StockFailPolicy         FailPolicy
	StockBreakerFailures    uint32
	StockBreakerOpenTimeout time.Duration
	StockLookupAsync        bool
	StockLookupAsyncLimit   int

	PublishMode        PublishMode
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	ConsumerShards     int

	RedisAddr     string
	RedisPassword string
	DedupTTL      time.Duration

	JWTPublicKey string

	OtelEndpoint   string
	OtelAuthHeader string
}

// LoadConfig reads the configuration from the environment, after loading an
// optional .env file from the working directory.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current process environment.
func FromEnv() (*Config, error) {
	var errs []string
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	config := &Config{
		HTTPAddr:        getEnvOrDefault("HTTP_ADDR", ":8000"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		Transport:       Transport(strings.ToLower(getEnvOrDefault("EVENT_TRANSPORT", string(TransportNATS)))),
		Exchange:        getEnvOrDefault("EVENT_EXCHANGE", DefaultExchange),
		Namespace:       getEnvOrDefault("EVENT_NAMESPACE", DefaultNamespace),
		NATSURL:         getEnvOrDefault("NATS_URL", "nats://localhost:4222"),
		NATSUser:        os.Getenv("NATS_USER"),
		NATSPass:        os.Getenv("NATS_PASS"),
		KafkaBrokers:    splitList(getEnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaGroupID:    getEnvOrDefault("KAFKA_GROUP_ID", ConsumerGroupID),
		StockAPIBase:    strings.TrimRight(os.Getenv("STOCK_API_BASE"), "/"),
		StockFailPolicy: FailPolicy(strings.ToLower(getEnvOrDefault("STOCK_FAIL_POLICY", string(FailOpen)))),
		PublishMode:     PublishMode(strings.ToLower(getEnvOrDefault("PUBLISH_MODE", string(PublishOutbox)))),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		JWTPublicKey:    strings.ReplaceAll(os.Getenv("JWT_PUBLIC_KEY"), `\n`, "\n"),
		OtelEndpoint:    os.Getenv("OTEL_ENDPOINT"),
		OtelAuthHeader:  os.Getenv("OTEL_AUTH_HEADER"),
	}

	var err error
	config.StockLookupTimeout, err = getDurationEnv("STOCK_LOOKUP_TIMEOUT", 2*time.Second)
	fail(err)
	config.StockListTimeout, err = getDurationEnv("STOCK_LIST_TIMEOUT", 5*time.Second)
	fail(err)
	config.StockBreakerOpenTimeout, err = getDurationEnv("STOCK_BREAKER_OPEN_TIMEOUT", 30*time.Second)
	fail(err)
	config.OutboxPollInterval, err = getDurationEnv("OUTBOX_POLL_INTERVAL", time.Second)
	fail(err)
	config.DedupTTL, err = getDurationEnv("DEDUP_TTL", 24*time.Hour)
	fail(err)
	config.StockLookupAsync, err = getBoolEnv("STOCK_LOOKUP_ASYNC", false)
	fail(err)

	breakerFailures, err := getIntEnv("STOCK_BREAKER_FAILURES", 5)
	fail(err)
	config.StockBreakerFailures = uint32(max(breakerFailures, 0))
	config.StockLookupAsyncLimit, err = getIntEnv("STOCK_LOOKUP_ASYNC_LIMIT", 16)
	fail(err)
	config.OutboxBatchSize, err = getIntEnv("OUTBOX_BATCH_SIZE", 100)
	fail(err)
	config.ConsumerShards, err = getIntEnv("CONSUMER_SHARDS", 1)
	fail(err)

	if config.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL environment variable is required")
	}
	switch config.Transport {
	case TransportNATS, TransportKafka:
	default:
		errs = append(errs, fmt.Sprintf("EVENT_TRANSPORT must be %q or %q, got %q", TransportNATS, TransportKafka, config.Transport))
	}
	switch config.PublishMode {
	case PublishOutbox, PublishInline:
	default:
		errs = append(errs, fmt.Sprintf("PUBLISH_MODE must be %q or %q, got %q", PublishOutbox, PublishInline, config.PublishMode))
	}
	switch config.StockFailPolicy {
	case FailOpen, FailClosed:
	default:
		errs = append(errs, fmt.Sprintf("STOCK_FAIL_POLICY must be %q or %q, got %q", FailOpen, FailClosed, config.StockFailPolicy))
	}
	if config.ConsumerShards < 1 {
		errs = append(errs, "CONSUMER_SHARDS must be at least 1")
	}
	if config.OutboxBatchSize < 1 {
		errs = append(errs, "OUTBOX_BATCH_SIZE must be at least 1")
	}
	if config.StockLookupAsyncLimit < 1 {
		errs = append(errs, "STOCK_LOOKUP_ASYNC_LIMIT must be at least 1")
	}
	if config.Transport == TransportKafka && len(config.KafkaBrokers) == 0 {
		errs = append(errs, "KAFKA_BROKERS environment variable is required for the kafka transport")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return config, nil
}

// StockConfigured reports whether a Stock service base URL is set.
func (c *Config) StockConfigured() bool {
	return c.StockAPIBase != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getBoolEnv(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
