package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config describes the NATS connection and the JetStream stream that stands
// in for the topic exchange.
type Config struct {
	URL            string
	User           string
	Password       string
	ClientName     string
	Stream         string
	Subjects       []string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	FetchWait      time.Duration
}

// DefaultConfig fills connection defaults for a stream named after exchange.
func DefaultConfig(url, exchange string, subjects ...string) Config {
	return Config{
		URL:            url,
		Stream:         StreamName(exchange),
		Subjects:       subjects,
		MaxReconnects:  10,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		FetchWait:      time.Second,
	}
}

// StreamName maps an exchange name to a valid JetStream stream name.
func StreamName(exchange string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(exchange)
}

// SubjectFromPattern translates a topic binding pattern to a NATS subject.
// "#" is only supported as the last word, where it becomes ">".
func SubjectFromPattern(pattern string) (string, error) {
	words := strings.Split(pattern, ".")
	for i, w := range words {
		if w == "#" {
			if i != len(words)-1 {
				return "", fmt.Errorf("nats: %q: multi-word wildcard must be the last word", pattern)
			}
			words[i] = ">"
		}
	}
	return strings.Join(words, "."), nil
}

// Conn is a JetStream-backed event transport connection.
type Conn struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger observability.Logger
}

// Connect dials NATS and makes sure the stream exists.
func Connect(cfg Config, logger observability.Logger) (*Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	c := &Conn{nc: nc, js: js, config: cfg, logger: logger}
	if err := c.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) ensureStream() error {
	_, err := c.js.StreamInfo(c.config.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", c.config.Stream, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     c.config.Stream,
		Subjects: c.config.Subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.config.Stream, err)
	}
	c.logger.Info("Created JetStream stream",
		zap.String("stream", c.config.Stream),
		zap.Strings("subjects", c.config.Subjects),
	)
	return nil
}

// WriteMessage publishes msg on the subject named by its routing key and waits
// for the stream to store it.
func (c *Conn) WriteMessage(ctx context.Context, msg messaging.Message) error {
	messaging.InjectTraceContext(ctx, &msg)

	natsMsg := nats.NewMsg(msg.RoutingKey)
	natsMsg.Data = msg.Body
	for k, v := range msg.Headers {
		natsMsg.Header.Set(k, v)
	}

	if _, err := c.js.PublishMsg(natsMsg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.RoutingKey, err)
	}
	return nil
}

// Subscribe binds a durable pull consumer to the subjects matched by pattern.
func (c *Conn) Subscribe(pattern, durable string) (*Consumer, error) {
	subject, err := SubjectFromPattern(pattern)
	if err != nil {
		return nil, err
	}

	sub, err := c.js.PullSubscribe(subject, durable,
		nats.BindStream(c.config.Stream),
		nats.AckExplicit(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	wait := c.config.FetchWait
	if wait <= 0 {
		wait = time.Second
	}
	return &Consumer{sub: sub, fetchWait: wait}, nil
}

// Ping reports whether the connection is currently usable.
func (c *Conn) Ping() error {
	if !c.nc.IsConnected() {
		return fmt.Errorf("nats: not connected (status %s)", c.nc.Status())
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (c *Conn) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}

// Consumer reads one message at a time from a pull subscription.
type Consumer struct {
	sub       *nats.Subscription
	fetchWait time.Duration
}

func (c *Consumer) ReadMessage(ctx context.Context) (*messaging.Delivery, error) {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchWait)
		msgs, err := c.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}

		m := msgs[0]
		msg := messaging.Message{
			RoutingKey: m.Subject,
			Body:       m.Data,
			Headers:    make(map[string]string, len(m.Header)),
		}
		for k := range m.Header {
			msg.Headers[strings.ToLower(k)] = m.Header.Get(k)
		}
		return messaging.NewDelivery(msg, func(context.Context) error {
			return m.Ack()
		}), nil
	}
}

func (c *Consumer) Close() error {
	return c.sub.Drain()
}
