package kafka

import (
	"testing"

	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestMessageConversionKeepsRoutingKeyAndHeaders(t *testing.T) {
	msg := messaging.Message{
		RoutingKey: "catalogue.product.created",
		Key:        "42",
		Body:       []byte(`{"id":42}`),
		Headers:    map[string]string{messaging.HeaderEventID: "abc"},
	}

	record := toKafkaMessage(msg)
	assert.Equal(t, []byte("42"), record.Key)
	assert.Contains(t, record.Headers, kafkago.Header{Key: messaging.HeaderRoutingKey, Value: []byte("catalogue.product.created")})

	back := fromKafkaMessage(record)
	assert.Equal(t, msg.RoutingKey, back.RoutingKey)
	assert.Equal(t, msg.Key, back.Key)
	assert.Equal(t, "abc", back.Header(messaging.HeaderEventID))
	assert.Equal(t, msg.Body, back.Body)
}

func TestRecordWithoutRoutingKeyDoesNotMatchStockBinding(t *testing.T) {
	back := fromKafkaMessage(kafkago.Message{Value: []byte("{}")})
	assert.False(t, messaging.MatchRoutingKey("stock.#", back.RoutingKey))
}
