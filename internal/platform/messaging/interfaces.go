package messaging

import (
	"context"
)

// Producer writes messages to the event transport.
type Producer interface {
	WriteMessage(ctx context.Context, msg Message) error
	Close() error
}

// Consumer reads deliveries from a subscription. ReadMessage blocks until a
// delivery is available or ctx is done.
type Consumer interface {
	ReadMessage(ctx context.Context) (*Delivery, error)
	Close() error
}
