package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/adapter/pii"
	"github.com/V4T54L/logpipe/internal/domain"
)

// IngestEventUseCase handles the business logic for accepting an event.
type IngestEventUseCase struct {
	buffer   domain.EventBuffer
	redactor *pii.Redactor
	logger   *slog.Logger
	metrics  *metrics.PipelineMetrics
}

// NewIngestEventUseCase creates a new IngestEventUseCase.
func NewIngestEventUseCase(buffer domain.EventBuffer, redactor *pii.Redactor, logger *slog.Logger, m *metrics.PipelineMetrics) *IngestEventUseCase {
	return &IngestEventUseCase{
		buffer:   buffer,
		redactor: redactor,
		logger:   logger.With("component", "ingest"),
		metrics:  m,
	}
}

// Ingest validates, enriches, redacts, and buffers an event. It returns as soon
// as the event is in the buffer.
func (uc *IngestEventUseCase) Ingest(ctx context.Context, event domain.Event) (domain.Event, error) {
	if strings.TrimSpace(event.Message) == "" {
		uc.count("invalid")
		return event, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}

	// 1. Enrich with server-side data
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// 2. Redact PII
	if uc.redactor != nil {
		event, _ = uc.redactor.Redact(event)
	}

	// 3. Buffer the event
	uc.buffer.Enqueue(event)
	uc.count("accepted")
	return event, nil
}

// PendingCount reports how many events are waiting for the next flush.
func (uc *IngestEventUseCase) PendingCount() int {
	return uc.buffer.PendingCount()
}

func (uc *IngestEventUseCase) count(status string) {
	if uc.metrics != nil {
		uc.metrics.IngestRequests.WithLabelValues(status).Inc()
	}
}
