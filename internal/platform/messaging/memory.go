package messaging

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("messaging: closed")

// MemoryBus is an in-process topic bus. Subscriptions receive every message
// whose routing key matches their binding pattern, in publish order.
type MemoryBus struct {
	mu        sync.Mutex
	subs      []*MemoryConsumer
	published []Message
	failWith  error
	closed    bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// FailWith makes subsequent writes return err; nil restores normal behaviour.
func (b *MemoryBus) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

// Published returns a copy of every message written so far.
func (b *MemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

func (b *MemoryBus) WriteMessage(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.failWith != nil {
		return b.failWith
	}
	b.published = append(b.published, msg)
	for _, sub := range b.subs {
		if MatchRoutingKey(sub.pattern, msg.RoutingKey) {
			sub.enqueue(msg)
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Subscribe binds a new consumer to pattern.
func (b *MemoryBus) Subscribe(pattern string) *MemoryConsumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &MemoryConsumer{pattern: pattern, ready: make(chan struct{}, 1)}
	b.subs = append(b.subs, sub)
	return sub
}

// MemoryConsumer is a subscription on a MemoryBus.
type MemoryConsumer struct {
	pattern string
	mu      sync.Mutex
	queue   []Message
	acked   []Message
	ready   chan struct{}
	closed  bool
}

func (c *MemoryConsumer) enqueue(msg Message) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Inject queues a message directly, bypassing pattern matching.
func (c *MemoryConsumer) Inject(msg Message) {
	c.enqueue(msg)
}

func (c *MemoryConsumer) ReadMessage(ctx context.Context) (*Delivery, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return NewDelivery(msg, func(context.Context) error {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.acked = append(c.acked, msg)
				return nil
			}), nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ready:
		}
	}
}

// Acked returns the messages acknowledged so far.
func (c *MemoryConsumer) Acked() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.acked...)
}

// Pending returns the number of queued, unread messages.
func (c *MemoryConsumer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close wakes a blocked ReadMessage, which then returns ErrClosed.
func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}
