package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/logpipe/internal/domain"
	"github.com/V4T54L/logpipe/internal/pkg/config"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func roundTrip(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()

	pub, err := NewPublisher(ctx, cfg, testLogger)
	require.NoError(t, err)
	defer pub.Close()

	cons, err := NewConsumer(ctx, cfg, testLogger)
	require.NoError(t, err)
	defer cons.Close()

	batch := domain.Batch{CorrelationID: "c-1", Events: []domain.Event{
		{ID: "1", Message: "a", PartitionKey: "k"},
		{ID: "2", Message: "b", PartitionKey: "k"},
	}}
	require.NoError(t, pub.Publish(ctx, batch))

	recs, err := cons.ReadBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Event.Message)
	assert.Equal(t, "b", recs[1].Event.Message)
	require.NoError(t, cons.Acknowledge(ctx, recs...))
}

func TestStream_SegmentLog(t *testing.T) {
	roundTrip(t, &config.Config{
		StreamDriver:     config.StreamSegmentLog,
		StreamPartitions: 2,
		SegmentLogDir:    t.TempDir(),
		ConsumerGroup:    "writers",
	})
}

func TestStream_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	roundTrip(t, &config.Config{
		StreamDriver:       config.StreamRedis,
		StreamName:         "events",
		StreamPartitions:   2,
		RedisAddr:          mr.Addr(),
		ConsumerGroup:      "writers",
		ConsumerName:       "w-1",
		WriterPollInterval: 10 * time.Millisecond,
	})
}

func TestStream_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewPublisher(context.Background(), &config.Config{StreamDriver: config.StreamRedis, RedisAddr: addr}, testLogger)
	assert.Error(t, err)
}

func TestStream_UnknownDriver(t *testing.T) {
	cfg := &config.Config{StreamDriver: "carrier-pigeon"}
	_, err := NewPublisher(context.Background(), cfg, testLogger)
	assert.Error(t, err)
	_, err = NewConsumer(context.Background(), cfg, testLogger)
	assert.Error(t, err)
}
