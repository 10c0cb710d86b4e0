package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/V4T54L/logpipe/internal/domain"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type position struct {
	partition int
	offset    int64
}

// Consumer implements domain.StreamConsumer with a consumer-group reader and
// explicit commits. The reader never hands out a message twice, so fetched
// messages are kept until acknowledged and returned again by ReadBatch.
//
// Kafka commits a partition up to an offset; acknowledging a record also
// commits every earlier record of its partition.
type Consumer struct {
	reader  messageReader
	maxWait time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[position]kafka.Message
}

// NewReader builds the reader used by NewConsumer. Commits are synchronous.
func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// NewConsumer creates a consumer over r, which it owns and closes. maxWait
// bounds how long ReadBatch waits for the batch to fill.
func NewConsumer(r messageReader, maxWait time.Duration, logger *slog.Logger) *Consumer {
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &Consumer{
		reader:   r,
		maxWait:  maxWait,
		logger:   logger.With("component", "kafka_consumer"),
		inflight: make(map[position]kafka.Message),
	}
}

// ReadBatch returns unacknowledged messages first, then fetches new ones until
// max is reached or maxWait elapses.
func (c *Consumer) ReadBatch(ctx context.Context, max int) ([]domain.StreamRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.StreamRecord, 0, max)
	for _, pos := range c.sortedInflight() {
		if len(out) >= max {
			return out, nil
		}
		rec, err := fromMessage(c.inflight[pos])
		if err != nil {
			continue
		}
		out = append(out, rec)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()
	for len(out) < max {
		msg, err := c.reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break // batch window elapsed
			}
			return out, fmt.Errorf("failed to fetch message from kafka: %w", err)
		}
		rec, err := fromMessage(msg)
		if err != nil {
			c.logger.Warn("Failed to decode message, committing past it", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
				c.logger.Error("Failed to commit invalid message", "error", cerr)
			}
			continue
		}
		c.inflight[position{msg.Partition, msg.Offset}] = msg
		out = append(out, rec)
	}
	return out, nil
}

func (c *Consumer) sortedInflight() []position {
	out := make([]position, 0, len(c.inflight))
	for pos := range c.inflight {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].partition != out[j].partition {
			return out[i].partition < out[j].partition
		}
		return out[i].offset < out[j].offset
	})
	return out
}

// Acknowledge commits the records' offsets.
func (c *Consumer) Acknowledge(ctx context.Context, records ...domain.StreamRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		p, err := strconv.Atoi(rec.Partition)
		if err != nil {
			return fmt.Errorf("record from unknown partition %q", rec.Partition)
		}
		off, err := strconv.ParseInt(rec.Offset, 10, 64)
		if err != nil {
			return fmt.Errorf("record with invalid offset %q: %w", rec.Offset, err)
		}
		pos := position{p, off}
		msg, ok := c.inflight[pos]
		if !ok {
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to commit messages to kafka: %w", err)
	}
	for _, msg := range msgs {
		delete(c.inflight, position{msg.Partition, msg.Offset})
	}
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func fromMessage(msg kafka.Message) (domain.StreamRecord, error) {
	var ev domain.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return domain.StreamRecord{}, err
	}
	offset := msg.Offset
	rec := domain.StreamRecord{
		Event:          ev,
		Partition:      strconv.Itoa(msg.Partition),
		Offset:         strconv.FormatInt(msg.Offset, 10),
		SequenceNumber: &offset,
	}
	if !msg.Time.IsZero() {
		t := msg.Time.UTC()
		rec.EnqueuedTime = &t
	}
	return rec, nil
}
