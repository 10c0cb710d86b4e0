// Package repository selects the stream implementation named by configuration.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/logpipe/internal/adapter/repository/kafka"
	redisrepo "github.com/V4T54L/logpipe/internal/adapter/repository/redis"
	"github.com/V4T54L/logpipe/internal/adapter/repository/segmentlog"
	"github.com/V4T54L/logpipe/internal/domain"
	"github.com/V4T54L/logpipe/internal/pkg/config"
)

// NewPublisher returns the StreamPublisher for cfg.StreamDriver.
func NewPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.StreamPublisher, error) {
	switch cfg.StreamDriver {
	case config.StreamRedis:
		client, err := newRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return redisrepo.NewPublisher(client, cfg.StreamName, cfg.StreamPartitions, cfg.StreamMaxLen, logger), nil
	case config.StreamKafka:
		return kafka.NewPublisher(kafka.NewWriter(cfg.KafkaBrokers, cfg.StreamName), logger), nil
	case config.StreamSegmentLog:
		return segmentlog.NewPublisher(segmentLogOptions(cfg), logger)
	default:
		return nil, fmt.Errorf("unknown stream driver %q", cfg.StreamDriver)
	}
}

// NewConsumer returns the StreamConsumer for cfg.StreamDriver, reading as
// cfg.ConsumerGroup.
func NewConsumer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.StreamConsumer, error) {
	switch cfg.StreamDriver {
	case config.StreamRedis:
		client, err := newRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		consumer, err := redisrepo.NewConsumer(ctx, client, redisrepo.ConsumerOptions{
			Stream:       cfg.StreamName,
			Partitions:   cfg.StreamPartitions,
			Group:        cfg.ConsumerGroup,
			Consumer:     cfg.ConsumerName,
			ClaimMinIdle: cfg.ConsumerClaimMinIdle,
			Block:        cfg.WriterPollInterval,
		}, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		return consumer, nil
	case config.StreamKafka:
		reader := kafka.NewReader(cfg.KafkaBrokers, cfg.StreamName, cfg.ConsumerGroup)
		return kafka.NewConsumer(reader, cfg.WriterPollInterval, logger), nil
	case config.StreamSegmentLog:
		return segmentlog.NewConsumer(segmentLogOptions(cfg), cfg.ConsumerGroup, logger)
	default:
		return nil, fmt.Errorf("unknown stream driver %q", cfg.StreamDriver)
	}
}

// newRedisClient accepts either a redis:// URL or a bare host:port.
func newRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

func segmentLogOptions(cfg *config.Config) segmentlog.Options {
	return segmentlog.Options{
		Dir:              cfg.SegmentLogDir,
		Partitions:       cfg.StreamPartitions,
		SegmentSizeBytes: cfg.SegmentLogSegmentSize,
		MaxDiskSizeBytes: cfg.SegmentLogMaxDiskSize,
	}
}
