package stockevents

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"
)

// ShardPool runs work on a fixed set of single-goroutine shards. Work with
// the same key always lands on the same shard, so it runs in submission
// order. With one shard, work runs inline on the caller's goroutine.
type ShardPool struct {
	shards []chan func()
	group  *errgroup.Group
}

func NewShardPool(n int) *ShardPool {
	p := &ShardPool{group: &errgroup.Group{}}
	if n <= 1 {
		return p
	}

	p.shards = make([]chan func(), n)
	for i := range p.shards {
		ch := make(chan func(), 1)
		p.shards[i] = ch
		p.group.Go(func() error {
			for fn := range ch {
				fn()
			}
			return nil
		})
	}
	return p
}

// Size returns the number of shards.
func (p *ShardPool) Size() int {
	return max(len(p.shards), 1)
}

// Submit queues fn on the shard owning key, blocking while that shard is busy.
func (p *ShardPool) Submit(ctx context.Context, key string, fn func()) error {
	if len(p.shards) == 0 {
		fn()
		return nil
	}

	select {
	case p.shards[shardIndex(key, len(p.shards))] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued work to finish.
func (p *ShardPool) Close() {
	for _, ch := range p.shards {
		close(ch)
	}
	_ = p.group.Wait()
	p.shards = nil
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
