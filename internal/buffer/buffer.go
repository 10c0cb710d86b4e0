// Package buffer accumulates ingested events in memory and emits them as
// immutable batches, flushing on a size threshold and on a fixed interval.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/domain"
)

// Trigger names what caused a flush.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerTimer    Trigger = "timer"
	TriggerShutdown Trigger = "shutdown"
	TriggerManual   Trigger = "manual"
)

// Buffer is safe for concurrent use. Flushed batches are queued internally
// without bound and handed, in flush order, to whoever reads Batches().
type Buffer struct {
	sizeThreshold int
	flushInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.PipelineMetrics

	mu      sync.Mutex
	pending []domain.Event
	ready   []domain.Batch
	closed  bool

	wake      chan struct{}
	out       chan domain.Batch
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a Buffer. Call Start to begin the interval flush and the
// hand-off of batches to Batches().
func New(sizeThreshold int, flushInterval time.Duration, logger *slog.Logger, m *metrics.PipelineMetrics) (*Buffer, error) {
	if sizeThreshold < 1 {
		return nil, fmt.Errorf("size threshold must be positive, got %d", sizeThreshold)
	}
	if flushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %s", flushInterval)
	}
	return &Buffer{
		sizeThreshold: sizeThreshold,
		flushInterval: flushInterval,
		logger:        logger.With("component", "buffer"),
		metrics:       m,
		pending:       make([]domain.Event, 0, sizeThreshold),
		wake:          make(chan struct{}, 1),
		out:           make(chan domain.Batch),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Start launches the interval flusher and the batch hand-off loop.
func (b *Buffer) Start() {
	b.startOnce.Do(func() {
		go b.tick()
		go b.handOff()
	})
}

// Batches returns the channel on which flushed batches are delivered. It is
// closed after the final shutdown batch has been received.
func (b *Buffer) Batches() <-chan domain.Batch {
	return b.out
}

// Enqueue appends event and flushes when the size threshold is reached. It only
// holds the buffer lock for the in-memory append and swap.
func (b *Buffer) Enqueue(event domain.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Error("event enqueued after buffer close, dropping", "event_id", event.ID)
		if b.metrics != nil {
			b.metrics.EventsDropped.Inc()
		}
		return
	}
	b.pending = append(b.pending, event)
	if len(b.pending) >= b.sizeThreshold {
		b.flushLocked(TriggerSize)
	}
	pending := len(b.pending)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsEnqueued.Inc()
		b.metrics.BufferPending.Set(float64(pending))
	}
}

// Flush emits the pending events as one batch. It reports false, and emits
// nothing, when the buffer is empty.
func (b *Buffer) Flush() bool {
	return b.flush(TriggerManual)
}

// PendingCount returns the number of events waiting for the next flush.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close performs a final flush, stops accepting events and waits until every
// flushed batch has been received from Batches(), or until ctx is done.
func (b *Buffer) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.stop)
		b.mu.Lock()
		b.flushLocked(TriggerShutdown)
		b.closed = true
		b.mu.Unlock()
		b.signal()
	})
	b.Start() // hand-off must run for the drain to finish

	select {
	case <-b.done:
		b.logger.Info("buffer drained")
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		left := len(b.ready)
		b.mu.Unlock()
		b.logger.Error("buffer close timed out before batches were handed off", "batches_left", left, "error", ctx.Err())
		return fmt.Errorf("drain buffer: %w", ctx.Err())
	}
}

func (b *Buffer) flush(trigger Trigger) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(trigger)
}

// flushLocked swaps the pending slice for a fresh one and queues it as a batch.
// Queueing under the same lock keeps batches in flush order.
func (b *Buffer) flushLocked(trigger Trigger) bool {
	if len(b.pending) == 0 {
		return false
	}
	batch := domain.Batch{
		CorrelationID: uuid.NewString(),
		Events:        b.pending,
		CreatedAt:     time.Now().UTC(),
	}
	b.pending = make([]domain.Event, 0, b.sizeThreshold)
	b.ready = append(b.ready, batch)
	b.signal()

	if b.metrics != nil {
		b.metrics.BatchesFlushed.WithLabelValues(string(trigger)).Inc()
		b.metrics.BatchSize.Observe(float64(batch.Size()))
		b.metrics.BufferPending.Set(0)
	}
	b.logger.Debug("flushed batch", "correlation_id", batch.CorrelationID, "size", batch.Size(), "trigger", trigger)
	return true
}

func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Buffer) tick() {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush(TriggerTimer)
		case <-b.stop:
			return
		}
	}
}

// handOff moves queued batches to the out channel one at a time.
func (b *Buffer) handOff() {
	defer close(b.done)
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.ready) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}
		batch := b.ready[0]
		b.ready[0] = domain.Batch{}
		b.ready = b.ready[1:]
		b.mu.Unlock()

		b.out <- batch
	}
}
