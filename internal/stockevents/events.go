package stockevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
)

var ErrMalformedEvent = errors.New("malformed stock event")

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// StockEvent is an inventory change as published by the Stock service.
type StockEvent struct {
	Resource  string           `json:"resource"`
	Action    string           `json:"action"`
	ID        catalogue.FlexID `json:"id"`
	Timestamp string           `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

type productPayload struct {
	ID           catalogue.FlexID     `json:"id"`
	Name         catalogue.FlexString `json:"name"`
	RestaurantID catalogue.FlexID     `json:"restaurantId"`
}

// ParseEvent decodes a message body. Any decoding failure is reported as
// ErrMalformedEvent.
func ParseEvent(body []byte) (StockEvent, error) {
	var ev StockEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return StockEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func (e StockEvent) payload() (productPayload, error) {
	var p productPayload
	raw := strings.TrimSpace(string(e.Payload))
	if raw == "" || raw == "null" {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return productPayload{}, fmt.Errorf("%w: payload: %v", ErrMalformedEvent, err)
	}
	return p, nil
}

// ProductID returns the event id, falling back to the payload id.
func (e StockEvent) ProductID() (int64, error) {
	if e.ID.Valid {
		return e.ID.Value, nil
	}
	p, err := e.payload()
	if err != nil {
		return 0, err
	}
	if !p.ID.Valid {
		return 0, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	return p.ID.Value, nil
}

// StockProduct extracts the projection fields of a created or updated event.
// Availability is left for the caller to resolve.
func (e StockEvent) StockProduct() (catalogue.StockProduct, error) {
	id, err := e.ProductID()
	if err != nil {
		return catalogue.StockProduct{}, err
	}
	p, err := e.payload()
	if err != nil {
		return catalogue.StockProduct{}, err
	}

	var missing []string
	if !p.Name.Valid {
		missing = append(missing, "name")
	}
	if !p.RestaurantID.Valid {
		missing = append(missing, "restaurantId")
	}
	if len(missing) > 0 {
		return catalogue.StockProduct{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}

	return catalogue.StockProduct{ID: id, Name: p.Name.Value, RestaurantID: p.RestaurantID.Value}, nil
}

// shardKey extracts the product id for routing without validating the rest
// of the event. Undecodable bodies share the empty key.
func shardKey(body []byte) string {
	ev, err := ParseEvent(body)
	if err != nil {
		return ""
	}
	id, err := ev.ProductID()
	if err != nil {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
