package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/logpipe/internal/domain"
	"github.com/V4T54L/logpipe/internal/pkg/partition"
)

// Publisher implements domain.StreamPublisher on Redis Streams.
type Publisher struct {
	client redis.UniversalClient
	stream string
	router *partition.Router
	maxLen int64
	logger *slog.Logger
}

// NewPublisher creates a publisher over a long-lived client. A positive maxLen
// caps each partition stream approximately.
func NewPublisher(client redis.UniversalClient, stream string, partitions int, maxLen int64, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		router: partition.NewRouter(partitions),
		maxLen: maxLen,
		logger: logger.With("component", "redis_publisher"),
	}
}

// Publish adds every event of the batch in one pipeline. Entries for the same
// partition are added in batch order.
func (p *Publisher) Publish(ctx context.Context, batch domain.Batch) error {
	if batch.Size() == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, ev := range batch.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return p.fail(batch, fmt.Errorf("failed to marshal event %s: %w", ev.ID, err))
		}
		args := &redis.XAddArgs{
			Stream: partitionKey(p.stream, p.router.For(ev.PartitionKey)),
			Values: map[string]interface{}{payloadField: payload},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		if isNetworkError(err) {
			p.logger.Warn("Redis unavailable during publish", "error", err)
		}
		return p.fail(batch, fmt.Errorf("failed to XADD batch to redis: %w", err))
	}
	return nil
}

func (p *Publisher) fail(batch domain.Batch, err error) error {
	return &domain.PublishError{CorrelationID: batch.CorrelationID, Size: batch.Size(), Err: err}
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
