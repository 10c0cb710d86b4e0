// Package kafka implements the durable stream on a Kafka topic. Events are
// keyed by partition key, so the hash balancer keeps each key on one partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/V4T54L/logpipe/internal/domain"
)

const (
	headerEventID       = "event_id"
	headerCorrelationID = "correlation_id"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements domain.StreamPublisher with a long-lived kafka.Writer.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter builds the writer used by NewPublisher: hash balancing on the
// message key and acknowledgement from all in-sync replicas.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// NewPublisher creates a publisher over w, which it owns and closes.
func NewPublisher(w messageWriter, logger *slog.Logger) *Publisher {
	return &Publisher{
		writer: w,
		logger: logger.With("component", "kafka_publisher"),
	}
}

// Publish writes the batch in one call and returns once every message is
// acknowledged by the brokers.
func (p *Publisher) Publish(ctx context.Context, batch domain.Batch) error {
	if batch.Size() == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, batch.Size())
	for _, ev := range batch.Events {
		msg, err := toMessage(ev, batch.CorrelationID)
		if err != nil {
			return &domain.PublishError{CorrelationID: batch.CorrelationID, Size: batch.Size(), Err: err}
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return &domain.PublishError{CorrelationID: batch.CorrelationID, Size: batch.Size(), Err: fmt.Errorf("failed to write messages to kafka: %w", err)}
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toMessage(ev domain.Event, correlationID string) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	msg := kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(ev.ID)},
			{Key: headerCorrelationID, Value: []byte(correlationID)},
		},
	}
	// A nil key is spread round robin by the hash balancer.
	if ev.PartitionKey != "" {
		msg.Key = []byte(ev.PartitionKey)
	}
	return msg, nil
}
