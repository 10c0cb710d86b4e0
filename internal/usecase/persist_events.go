package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/domain"
	"github.com/V4T54L/logpipe/internal/idempotency"
)

const (
	defaultBatchSize    = 1000
	defaultRetryCount   = 3
	defaultRetryBackoff = 1 * time.Second
)

// PersistEventsUseCase orchestrates reading records from the stream, deriving
// their idempotency keys, and writing them to the store.
type PersistEventsUseCase struct {
	consumer     domain.StreamConsumer
	store        domain.EventStore
	logger       *slog.Logger
	metrics      *metrics.PipelineMetrics
	batchSize    int
	retryCount   int
	retryBackoff time.Duration
}

// NewPersistEventsUseCase creates a new use case for persisting events.
// Zero values for batchSize and retryBackoff select the defaults; retryCount
// is the number of retries after the first attempt.
func NewPersistEventsUseCase(consumer domain.StreamConsumer, store domain.EventStore, logger *slog.Logger, m *metrics.PipelineMetrics, batchSize, retryCount int, retryBackoff time.Duration) *PersistEventsUseCase {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if retryCount < 0 {
		retryCount = defaultRetryCount
	}
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	return &PersistEventsUseCase{
		consumer:     consumer,
		store:        store,
		logger:       logger.With("component", "writer"),
		metrics:      m,
		batchSize:    batchSize,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
	}
}

// Run processes batches until ctx is cancelled, sleeping pollInterval after an
// empty read or a failed batch.
func (uc *PersistEventsUseCase) Run(ctx context.Context, pollInterval time.Duration) error {
	for {
		n, err := uc.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil && n > 0 {
			continue
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

// ProcessBatch reads a batch of records, writes them to the store, and
// acknowledges them on the stream. It returns the number of records processed.
//
// Records are left unacknowledged when the store stays unavailable after all
// retries, so the stream delivers them again. A fatal store error is not
// retried; the batch is acknowledged and the error returned.
func (uc *PersistEventsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	// 1. Read a batch of records from the stream
	records, err := uc.consumer.ReadBatch(ctx, uc.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			uc.logger.Error("failed to read batch from stream", "error", err)
		}
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil // No new records, not an error
	}
	if uc.metrics != nil {
		uc.metrics.RecordsRead.Add(float64(len(records)))
	}
	uc.logger.Debug("read batch of records from stream", "count", len(records))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "store.write_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(records)))

	// 2. Derive keys and write with retries
	rows := ToRows(records)
	res, err := uc.writeWithRetry(ctx, rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		if !domain.IsFatal(err) {
			uc.recordBatch("transient")
			uc.logger.Error("failed to write batch after retries, leaving unacknowledged", "count", len(records), "error", err)
			return 0, err
		}
		uc.recordBatch("fatal")
		uc.logger.Error("fatal store error, acknowledging batch without persisting", "count", len(records), "error", err)
		if ackErr := uc.consumer.Acknowledge(ctx, records...); ackErr != nil {
			uc.logger.Error("failed to acknowledge records", "error", ackErr)
			return 0, errors.Join(err, ackErr)
		}
		return 0, err
	}

	// 3. Acknowledge the records on the stream
	if err := uc.consumer.Acknowledge(ctx, records...); err != nil {
		uc.logger.Error("failed to acknowledge records", "error", err)
		// The rows are stored; redelivery resolves to already-existing rows.
		return 0, fmt.Errorf("acknowledge records: %w", err)
	}

	uc.recordBatch("ok")
	if uc.metrics != nil {
		uc.metrics.RowsWritten.WithLabelValues(domain.OutcomeInserted.String()).Add(float64(res.Inserted))
		uc.metrics.RowsWritten.WithLabelValues(domain.OutcomeAlreadyExists.String()).Add(float64(res.AlreadyExisted))
	}
	uc.logger.Info("persisted batch", "count", len(records), "inserted", res.Inserted, "already_existed", res.AlreadyExisted, "round_trips", res.RoundTrips)
	return len(records), nil
}

func (uc *PersistEventsUseCase) writeWithRetry(ctx context.Context, rows []domain.PersistedRow) (domain.WriteResult, error) {
	var lastErr error
	for attempt := 0; attempt <= uc.retryCount; attempt++ {
		if attempt > 0 {
			if uc.metrics != nil {
				uc.metrics.WriterRetries.Inc()
			}
			select {
			case <-time.After(uc.retryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return domain.WriteResult{}, ctx.Err()
			}
		}
		res, err := uc.store.WriteBatch(ctx, rows)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return domain.WriteResult{}, ctx.Err()
		}
		if !domain.IsTransient(err) {
			return domain.WriteResult{}, asFatal(err)
		}
		lastErr = err
		uc.logger.Warn("failed to write batch to store, retrying...", "attempt", attempt+1, "error", err)
	}
	return domain.WriteResult{}, lastErr
}

// asFatal treats unclassified store errors as fatal so they never loop.
func asFatal(err error) error {
	if domain.IsFatal(err) {
		return err
	}
	return &domain.FatalStoreError{Op: "write batch", Err: err}
}

// ToRows maps stream records to persisted rows, deriving each row's business
// event id from the producer key or the record's stream position.
func ToRows(records []domain.StreamRecord) []domain.PersistedRow {
	rows := make([]domain.PersistedRow, len(records))
	for i, rec := range records {
		key, _ := idempotency.DeriveKey(rec.Event, idempotency.PositionOf(rec))
		ev := rec.Event
		var enqueued *time.Time
		if rec.EnqueuedTime != nil {
			t := rec.EnqueuedTime.UTC()
			enqueued = &t
		}
		rows[i] = domain.PersistedRow{
			BusinessEventID: key,
			Source:          ev.Source,
			Level:           ev.Level,
			Message:         ev.Message,
			PartitionKey:    ev.PartitionKey,
			Timestamp:       ev.Timestamp.UTC(),
			EnqueuedTimeUTC: enqueued,
			SequenceNumber:  rec.SequenceNumber,
			Metadata:        ev.Metadata,
		}
	}
	return rows
}
