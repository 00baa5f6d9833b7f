package stockevents

import (
	"context"
	"errors"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

type ConsumerService interface {
	Start(ctx context.Context) error
}

// StockConsumerService reads the stock subscription and hands each delivery
// to the handler through the shard pool. A delivery the handler fails on is
// retried with backoff until it succeeds or ctx ends, so the shard never
// moves past it.
type StockConsumerService struct {
	consumer       messaging.Consumer
	messageHandler MessageHandler
	pool           *ShardPool
	logger         observability.Logger
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
}

func NewConsumerService(consumer messaging.Consumer, messageHandler MessageHandler, pool *ShardPool, logger observability.Logger) *StockConsumerService {
	if pool == nil {
		pool = NewShardPool(1)
	}
	return &StockConsumerService{
		consumer:       consumer,
		messageHandler: messageHandler,
		pool:           pool,
		logger:         logger,
		retryDelay:     time.Second,
		maxRetryDelay:  30 * time.Second,
	}
}

func (c *StockConsumerService) Start(ctx context.Context) error {
	c.logger.Info("Stock event consumer started. Waiting for messages...", zap.Int("shards", c.pool.Size()))
	defer c.pool.Close()

	for {
		d, err := c.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info("Context done, exiting stock event read loop.", zap.Error(err))
				break
			}
			if errors.Is(err, messaging.ErrClosed) {
				c.logger.Info("Subscription closed, exiting stock event read loop.")
				break
			}
			c.logger.Error("❌ Error reading stock event", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if err := c.pool.Submit(ctx, shardKey(d.Body), func() {
			c.handleUntilDone(ctx, d)
		}); err != nil {
			break
		}
	}

	c.logger.Info("Stock event consumer finished. Shutting down...")
	return nil
}

// handleUntilDone keeps handling d until the handler succeeds. Kafka commits
// offsets, so skipping a failed delivery and acking a later one would lose it.
func (c *StockConsumerService) handleUntilDone(ctx context.Context, d *messaging.Delivery) {
	backoff := retry.WithCappedDuration(c.maxRetryDelay, retry.NewExponential(c.retryDelay))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := c.messageHandler.Handle(ctx, d); err != nil {
			c.logger.Warn("Retrying stock event",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.String("routing_key", d.RoutingKey),
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Only reachable once ctx is done; the transport redelivers after restart.
		c.logger.Info("Stopped retrying stock event", zap.Error(err), zap.String("routing_key", d.RoutingKey))
	}
}
