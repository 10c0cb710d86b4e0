package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/domain"
)

const tracerName = "github.com/V4T54L/logpipe/internal/usecase"

// DispatchBatchesUseCase forwards flushed batches to the stream, one at a time
// and in flush order.
type DispatchBatchesUseCase struct {
	publisher domain.StreamPublisher
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.PipelineMetrics
}

// NewDispatchBatchesUseCase creates a dispatcher. A non-positive timeout leaves
// publishes bounded only by the parent context.
func NewDispatchBatchesUseCase(publisher domain.StreamPublisher, timeout time.Duration, logger *slog.Logger, m *metrics.PipelineMetrics) *DispatchBatchesUseCase {
	return &DispatchBatchesUseCase{
		publisher: publisher,
		timeout:   timeout,
		logger:    logger.With("component", "dispatcher"),
		metrics:   m,
	}
}

// Run publishes every batch received on batches and returns once the channel is
// closed. ctx is the parent of each publish; cancelling it fails the remaining
// publishes but does not stop the loop, so the buffer can always drain.
func (uc *DispatchBatchesUseCase) Run(ctx context.Context, batches <-chan domain.Batch) {
	for batch := range batches {
		_ = uc.Dispatch(ctx, batch)
	}
	uc.logger.Info("batch channel closed, dispatcher stopped")
}

// Dispatch publishes one batch. A failed batch is logged and dropped.
func (uc *DispatchBatchesUseCase) Dispatch(ctx context.Context, batch domain.Batch) error {
	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "stream.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.correlation_id", batch.CorrelationID),
		attribute.Int("batch.size", batch.Size()),
	)

	start := time.Now()
	err := uc.publisher.Publish(ctx, batch)
	if uc.metrics != nil {
		uc.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		var pubErr *domain.PublishError
		if !errors.As(err, &pubErr) {
			err = &domain.PublishError{CorrelationID: batch.CorrelationID, Size: batch.Size(), Err: err}
		}
		uc.logger.Error("failed to publish batch, dropping", "correlation_id", batch.CorrelationID, "size", batch.Size(), "error", err)
		uc.record("error")
		return err
	}

	uc.logger.Debug("published batch", "correlation_id", batch.CorrelationID, "size", batch.Size())
	uc.record("ok")
	return nil
}

func (uc *DispatchBatchesUseCase) record(status string) {
	if uc.metrics != nil {
		uc.metrics.PublishTotal.WithLabelValues(status).Inc()
	}
}
