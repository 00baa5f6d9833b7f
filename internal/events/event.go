package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"github.com/google/uuid"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Event is the wire shape of a catalogue change.
type Event struct {
	Resource  string          `json:"resource"`
	Action    string          `json:"action"`
	ID        int64           `json:"id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Change describes a mutated entity. Snapshot is its full JSON representation
// after the mutation (before it, for deletions).
type Change struct {
	Resource string
	Action   string
	ID       int64
	Snapshot any
}

// Envelope is a serialized change ready for the outbox or the transport.
type Envelope struct {
	ID         uuid.UUID
	RoutingKey string
	Key        string
	Body       []byte
	CreatedAt  time.Time
}

// NewEnvelope serializes c under namespace.
func NewEnvelope(namespace string, c Change, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(c.Snapshot)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to serialize %s %d: %w", c.Resource, c.ID, err)
	}

	body, err := json.Marshal(Event{
		Resource:  c.Resource,
		Action:    c.Action,
		ID:        c.ID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to serialize event: %w", err)
	}

	return Envelope{
		ID:         uuid.New(),
		RoutingKey: messaging.RoutingKey(namespace, c.Resource, c.Action),
		Key:        strconv.FormatInt(c.ID, 10),
		Body:       body,
		CreatedAt:  now,
	}, nil
}

// OutboxRecord converts the envelope for persistence.
func (e Envelope) OutboxRecord() store.OutboxRecord {
	return store.OutboxRecord{
		ID:         e.ID,
		RoutingKey: e.RoutingKey,
		Key:        e.Key,
		Body:       e.Body,
		CreatedAt:  e.CreatedAt,
	}
}

// Message converts the envelope for the transport.
func (e Envelope) Message() messaging.Message {
	return messaging.Message{
		RoutingKey: e.RoutingKey,
		Key:        e.Key,
		Body:       e.Body,
		Headers:    map[string]string{messaging.HeaderEventID: e.ID.String()},
	}
}

// EnvelopeFromRecord rebuilds an envelope from a stored outbox record.
func EnvelopeFromRecord(rec store.OutboxRecord) Envelope {
	return Envelope{
		ID:         rec.ID,
		RoutingKey: rec.RoutingKey,
		Key:        rec.Key,
		Body:       rec.Body,
		CreatedAt:  rec.CreatedAt,
	}
}
