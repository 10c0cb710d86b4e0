package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/domain"
	"github.com/V4T54L/logpipe/internal/domain/mocks"
)

func batchOf(id string, n int) domain.Batch {
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = domain.Event{ID: id, Message: "m"}
	}
	return domain.Batch{CorrelationID: id, Events: events}
}

func TestDispatchBatchesUseCase_RunPreservesOrder(t *testing.T) {
	pub := &mocks.MockPublisher{}
	uc := NewDispatchBatchesUseCase(pub, time.Second, testLogger, nil)

	ch := make(chan domain.Batch, 3)
	ch <- batchOf("b1", 2)
	ch <- batchOf("b2", 1)
	ch <- batchOf("b3", 5)
	close(ch)

	uc.Run(context.Background(), ch)

	got := pub.Batches()
	require.Len(t, got, 3)
	assert.Equal(t, "b1", got[0].CorrelationID)
	assert.Equal(t, "b2", got[1].CorrelationID)
	assert.Equal(t, "b3", got[2].CorrelationID)
}

func TestDispatchBatchesUseCase_PublishErrorDropsBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(reg)
	pub := &mocks.MockPublisher{PublishErr: errors.New("stream unavailable")}
	uc := NewDispatchBatchesUseCase(pub, time.Second, testLogger, m)

	err := uc.Dispatch(context.Background(), batchOf("b1", 4))

	var pubErr *domain.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "b1", pubErr.CorrelationID)
	assert.Equal(t, 4, pubErr.Size)
	assert.Empty(t, pub.Batches(), "failed batch must not be retried")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishTotal.WithLabelValues("error")))
}

type plainErrPublisher struct{}

func (plainErrPublisher) Publish(context.Context, domain.Batch) error { return errors.New("boom") }
func (plainErrPublisher) Close() error                                { return nil }

func TestDispatchBatchesUseCase_WrapsUntypedErrors(t *testing.T) {
	uc := NewDispatchBatchesUseCase(plainErrPublisher{}, 0, testLogger, nil)

	err := uc.Dispatch(context.Background(), batchOf("b9", 1))

	var pubErr *domain.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "b9", pubErr.CorrelationID)
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ domain.Batch) error {
	<-ctx.Done()
	return ctx.Err()
}
func (blockingPublisher) Close() error { return nil }

func TestDispatchBatchesUseCase_PublishTimeout(t *testing.T) {
	uc := NewDispatchBatchesUseCase(blockingPublisher{}, 20*time.Millisecond, testLogger, nil)

	start := time.Now()
	err := uc.Dispatch(context.Background(), batchOf("slow", 1))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
