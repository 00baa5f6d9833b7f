package messaging

import (
	"context"
	"errors"
)

const (
	HeaderEventID    = "event-id"
	HeaderRoutingKey = "routing-key"
)

// Message is a transport-neutral event: a routing key, an opaque body and
// string headers. Key orders messages on transports that partition.
type Message struct {
	RoutingKey string
	Key        string
	Body       []byte
	Headers    map[string]string
}

// Header returns the named header or "".
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// SetHeader sets a header, allocating the map on first use.
func (m *Message) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[name] = value
}

// Delivery is a received message that must be acknowledged once handled.
// An unacknowledged delivery is left to the transport's redelivery rules.
type Delivery struct {
	Message
	ack func(ctx context.Context) error
}

var ErrNoAck = errors.New("delivery has no acknowledger")

// NewDelivery wraps a received message with its acknowledger.
func NewDelivery(msg Message, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Message: msg, ack: ack}
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return ErrNoAck
	}
	return d.ack(ctx)
}
