package stockevents

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Deduper remembers event ids that were already applied.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// RedisDeduper keeps processed event ids in Redis for ttl.
type RedisDeduper struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisDeduper(client *goredis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, prefix: "catalogue:stock-events:"}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, eventID string) error {
	return d.client.Set(ctx, d.prefix+eventID, 1, d.ttl).Err()
}

// NopDeduper never reports duplicates.
type NopDeduper struct{}

func (NopDeduper) Seen(context.Context, string) (bool, error) { return false, nil }
func (NopDeduper) Mark(context.Context, string) error         { return nil }
