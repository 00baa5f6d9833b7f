package kafka

import (
	"context"
	"fmt"

	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/platform/messaging"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Producer writes events to a single topic standing in for the exchange. The
// message key is the entity id so events for one id stay on one partition.
type Producer struct {
	writer *otelkafka.Writer
}

// NewProducer creates a traced Kafka writer for topic.
func NewProducer(brokers []string, topic string, tp trace.TracerProvider) (*Producer, error) {
	baseWriter := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: config.BatchTimeout,
		BatchSize:    config.BatchSize,
		RequiredAcks: kafkago.RequireAll,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(topic),
				attribute.String("messaging.kafka.client_id", config.ServiceName),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka writer: %w", err)
	}
	return &Producer{writer: writer}, nil
}

func (p *Producer) WriteMessage(ctx context.Context, msg messaging.Message) error {
	if err := p.writer.WriteMessage(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.RoutingKey, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads a topic through a consumer group and filters records by
// their routing-key header against a topic binding pattern. Committing the
// offset is the acknowledgement.
type Consumer struct {
	reader  *kafkago.Reader
	pattern string
	logger  observability.Logger
}

// NewConsumer creates a group reader on topic bound to pattern.
func NewConsumer(brokers []string, topic, groupID, pattern string, logger observability.Logger) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafkago.FirstOffset,
	})
	return &Consumer{reader: reader, pattern: pattern, logger: logger}
}

func (c *Consumer) ReadMessage(ctx context.Context) (*messaging.Delivery, error) {
	for {
		record, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return nil, err
		}

		msg := fromKafkaMessage(record)
		if !messaging.MatchRoutingKey(c.pattern, msg.RoutingKey) {
			// Not ours; move the group offset past it.
			if err := c.reader.CommitMessages(ctx, record); err != nil {
				c.logger.Warn("Failed to commit skipped record",
					zap.Error(err),
					zap.String("routing_key", msg.RoutingKey),
					zap.Int64("offset", record.Offset),
				)
			}
			continue
		}

		return messaging.NewDelivery(msg, func(ctx context.Context) error {
			return c.reader.CommitMessages(ctx, record)
		}), nil
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func toKafkaMessage(msg messaging.Message) kafkago.Message {
	record := kafkago.Message{
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Headers: []kafkago.Header{
			{Key: messaging.HeaderRoutingKey, Value: []byte(msg.RoutingKey)},
		},
	}
	for k, v := range msg.Headers {
		if k == messaging.HeaderRoutingKey {
			continue
		}
		record.Headers = append(record.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return record
}

func fromKafkaMessage(record kafkago.Message) messaging.Message {
	msg := messaging.Message{
		Key:     string(record.Key),
		Body:    record.Value,
		Headers: make(map[string]string, len(record.Headers)),
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	msg.RoutingKey = msg.Headers[messaging.HeaderRoutingKey]
	return msg
}
