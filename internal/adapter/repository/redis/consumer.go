package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/logpipe/internal/domain"
)

// ConsumerOptions configures a group consumer.
type ConsumerOptions struct {
	Stream     string
	Partitions int
	Group      string
	Consumer   string
	// ClaimMinIdle is how long an entry must sit pending on another consumer
	// before this consumer takes it over. Zero disables reclaiming.
	ClaimMinIdle time.Duration
	// Block bounds how long ReadBatch waits for new entries. Zero does not wait.
	Block time.Duration
}

// Consumer implements domain.StreamConsumer with a Redis consumer group.
type Consumer struct {
	client redis.UniversalClient
	opts   ConsumerOptions
	logger *slog.Logger
}

// NewConsumer creates the consumer group on every partition stream if needed.
func NewConsumer(ctx context.Context, client redis.UniversalClient, opts ConsumerOptions, logger *slog.Logger) (*Consumer, error) {
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	if opts.Group == "" || opts.Consumer == "" {
		return nil, errors.New("consumer group and name are required")
	}
	if err := setupConsumerGroups(ctx, client, opts.Stream, opts.Group, opts.Partitions); err != nil {
		return nil, err
	}
	return &Consumer{
		client: client,
		opts:   opts,
		logger: logger.With("component", "redis_consumer", "group", opts.Group, "consumer", opts.Consumer),
	}, nil
}

// ReadBatch returns, in order: entries already delivered to this consumer but
// not acknowledged, entries reclaimed from idle consumers, then new entries.
func (c *Consumer) ReadBatch(ctx context.Context, max int) ([]domain.StreamRecord, error) {
	var out []domain.StreamRecord

	// 1. Our own pending entries
	pending, err := c.read(ctx, "0", max, -1)
	if err != nil {
		return nil, err
	}
	out = append(out, pending...)

	// 2. Entries stuck on dead consumers
	if c.opts.ClaimMinIdle > 0 && len(out) < max {
		claimed, err := c.claim(ctx, max-len(out))
		if err != nil {
			return out, err
		}
		out = append(out, claimed...)
	}

	// 3. New entries
	if len(out) < max {
		block := time.Duration(-1)
		if len(out) == 0 && c.opts.Block > 0 {
			block = c.opts.Block
		}
		fresh, err := c.read(ctx, ">", max-len(out), block)
		if err != nil {
			return out, err
		}
		out = append(out, fresh...)
	}
	return out, nil
}

// read issues one XREADGROUP over all partitions from id ("0" for pending,
// ">" for new). A negative block does not wait.
func (c *Consumer) read(ctx context.Context, id string, count int, block time.Duration) ([]domain.StreamRecord, error) {
	streams := make([]string, 0, 2*c.opts.Partitions)
	for p := 0; p < c.opts.Partitions; p++ {
		streams = append(streams, partitionKey(c.opts.Stream, p))
	}
	for p := 0; p < c.opts.Partitions; p++ {
		streams = append(streams, id)
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  streams,
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}

	var out []domain.StreamRecord
	for _, s := range res {
		p, ok := c.partitionOf(s.Stream)
		if !ok {
			continue
		}
		out = append(out, c.decode(ctx, s.Stream, p, s.Messages)...)
		if len(out) >= count {
			return out[:count], nil
		}
	}
	return out, nil
}

func (c *Consumer) claim(ctx context.Context, count int) ([]domain.StreamRecord, error) {
	var out []domain.StreamRecord
	for p := 0; p < c.opts.Partitions && len(out) < count; p++ {
		stream := partitionKey(c.opts.Stream, p)
		msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			MinIdle:  c.opts.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(count - len(out)),
		}).Result()
		if err != nil {
			return out, fmt.Errorf("failed to XAUTOCLAIM on %s: %w", stream, err)
		}
		if len(msgs) > 0 {
			c.logger.Info("Reclaimed idle entries", "stream", stream, "count", len(msgs))
		}
		out = append(out, c.decode(ctx, stream, p, msgs)...)
	}
	return out, nil
}

// decode converts entries to records. Entries that cannot be decoded are
// acknowledged so they do not block the group.
func (c *Consumer) decode(ctx context.Context, stream string, p int, msgs []redis.XMessage) []domain.StreamRecord {
	out := make([]domain.StreamRecord, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values[payloadField].(string)
		var ev domain.Event
		if ok {
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				ok = false
			}
		}
		if !ok {
			c.logger.Warn("Invalid message format in stream, skipping", "stream", stream, "message_id", msg.ID)
			if err := c.client.XAck(ctx, stream, c.opts.Group, msg.ID).Err(); err != nil {
				c.logger.Error("Failed to XACK invalid message", "message_id", msg.ID, "error", err)
			}
			continue
		}
		out = append(out, domain.StreamRecord{
			Event:        ev,
			Partition:    strconv.Itoa(p),
			Offset:       msg.ID,
			EnqueuedTime: enqueuedTime(msg.ID),
		})
	}
	return out
}

func (c *Consumer) partitionOf(stream string) (int, bool) {
	for p := 0; p < c.opts.Partitions; p++ {
		if partitionKey(c.opts.Stream, p) == stream {
			return p, true
		}
	}
	return 0, false
}

// Acknowledge acknowledges processed entries in one pipeline.
func (c *Consumer) Acknowledge(ctx context.Context, records ...domain.StreamRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make(map[string][]string)
	for _, rec := range records {
		p, err := strconv.Atoi(rec.Partition)
		if err != nil {
			return fmt.Errorf("record from unknown partition %q", rec.Partition)
		}
		stream := partitionKey(c.opts.Stream, p)
		ids[stream] = append(ids[stream], rec.Offset)
	}
	pipe := c.client.Pipeline()
	for stream, msgIDs := range ids {
		pipe.XAck(ctx, stream, c.opts.Group, msgIDs...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	return c.client.Close()
}
