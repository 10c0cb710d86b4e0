package buffer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestBuffer(t *testing.T, threshold int, interval time.Duration) *Buffer {
	t.Helper()
	b, err := New(threshold, interval, testLogger, metrics.NewPipelineMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return b
}

func event(i int) domain.Event {
	return domain.Event{ID: fmt.Sprintf("ev-%d", i), Message: "m"}
}

// collect drains ch in the background until it is closed.
func collect(ch <-chan domain.Batch) (func() []domain.Batch, *sync.WaitGroup) {
	var mu sync.Mutex
	var got []domain.Batch
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range ch {
			mu.Lock()
			got = append(got, b)
			mu.Unlock()
		}
	}()
	return func() []domain.Batch {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.Batch(nil), got...)
	}, &wg
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	_, err := New(0, time.Second, testLogger, nil)
	assert.Error(t, err)
	_, err = New(10, 0, testLogger, nil)
	assert.Error(t, err)
}

func TestBuffer_SizeThresholdFlush(t *testing.T) {
	const threshold = 50
	b := newTestBuffer(t, threshold, time.Hour)
	b.Start()

	for i := 0; i < threshold; i++ {
		b.Enqueue(event(i))
	}
	assert.Equal(t, 0, b.PendingCount(), "pending count must reset as soon as the threshold is reached")

	select {
	case batch := <-b.Batches():
		require.Equal(t, threshold, batch.Size())
		assert.NotEmpty(t, batch.CorrelationID)
		for i, ev := range batch.Events {
			assert.Equal(t, event(i).ID, ev.ID, "batch must preserve enqueue order")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a batch after reaching the size threshold")
	}

	select {
	case extra := <-b.Batches():
		t.Fatalf("unexpected second batch of size %d", extra.Size())
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Close(context.Background()))
}

func TestBuffer_TimerFlush(t *testing.T) {
	b := newTestBuffer(t, 1000, 20*time.Millisecond)
	b.Start()

	b.Enqueue(event(1))
	assert.Equal(t, 1, b.PendingCount())

	select {
	case batch := <-b.Batches():
		require.Equal(t, 1, batch.Size())
		assert.Equal(t, "ev-1", batch.Events[0].ID)
	case <-time.After(time.Second):
		t.Fatal("expected the interval flush to emit a batch")
	}

	// Further ticks find an empty buffer and emit nothing.
	select {
	case extra := <-b.Batches():
		t.Fatalf("unexpected empty-interval batch of size %d", extra.Size())
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, b.Close(context.Background()))
}

func TestBuffer_FlushOnEmptyIsNoop(t *testing.T) {
	b := newTestBuffer(t, 10, time.Hour)
	assert.False(t, b.Flush())

	b.Enqueue(event(1))
	assert.True(t, b.Flush())
	assert.False(t, b.Flush(), "a flush racing a completed flush must see an empty buffer")
	assert.Equal(t, 0, b.PendingCount())
}

func TestBuffer_ConcurrentFlushNoLossNoDuplication(t *testing.T) {
	const (
		producers   = 8
		perProducer = 500
		threshold   = 37
	)
	b := newTestBuffer(t, threshold, time.Millisecond)
	b.Start()
	batches, wg := collect(b.Batches())

	var producersWG sync.WaitGroup
	stopFlusher := make(chan struct{})
	// Manual flushes race the size trigger and the 1ms timer.
	go func() {
		for {
			select {
			case <-stopFlusher:
				return
			default:
				b.Flush()
			}
		}
	}()
	for p := 0; p < producers; p++ {
		producersWG.Add(1)
		go func(p int) {
			defer producersWG.Done()
			for i := 0; i < perProducer; i++ {
				b.Enqueue(event(p*perProducer + i))
			}
		}(p)
	}
	producersWG.Wait()
	close(stopFlusher)

	require.NoError(t, b.Close(context.Background()))
	wg.Wait()

	seen := make(map[string]int)
	for _, batch := range batches() {
		require.NotZero(t, batch.Size(), "empty batches must never be emitted")
		assert.LessOrEqual(t, batch.Size(), threshold)
		for _, ev := range batch.Events {
			seen[ev.ID]++
		}
	}
	require.Len(t, seen, producers*perProducer)
	for id, n := range seen {
		if n != 1 {
			t.Errorf("event %s delivered %d times", id, n)
		}
	}
}

func TestBuffer_PerProducerOrderAcrossBatches(t *testing.T) {
	b := newTestBuffer(t, 7, time.Millisecond)
	b.Start()
	batches, wg := collect(b.Batches())

	for i := 0; i < 200; i++ {
		b.Enqueue(event(i))
	}
	require.NoError(t, b.Close(context.Background()))
	wg.Wait()

	next := 0
	for _, batch := range batches() {
		for _, ev := range batch.Events {
			require.Equal(t, event(next).ID, ev.ID)
			next++
		}
	}
	assert.Equal(t, 200, next)
}

func TestBuffer_CloseFlushesRemainder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(reg)
	b, err := New(100, time.Hour, testLogger, m)
	require.NoError(t, err)
	b.Start()
	batches, wg := collect(b.Batches())

	for i := 0; i < 3; i++ {
		b.Enqueue(event(i))
	}
	require.NoError(t, b.Close(context.Background()))
	wg.Wait()

	got := batches()
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Size())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesFlushed.WithLabelValues(string(TriggerShutdown))))

	// Enqueue after close is dropped and counted.
	b.Enqueue(event(99))
	assert.Equal(t, 0, b.PendingCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))

	// Close is idempotent.
	require.NoError(t, b.Close(context.Background()))
}

func TestBuffer_CloseTimesOutWithoutReader(t *testing.T) {
	b := newTestBuffer(t, 100, time.Hour)
	b.Start()
	b.Enqueue(event(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late reader still receives the final batch and sees the channel close.
	batch, ok := <-b.Batches()
	require.True(t, ok)
	assert.Equal(t, 1, batch.Size())
	_, ok = <-b.Batches()
	assert.False(t, ok)
}

func TestBuffer_CloseWithoutStart(t *testing.T) {
	b := newTestBuffer(t, 100, time.Hour)
	b.Enqueue(event(1))

	batches, wg := collect(b.Batches())
	require.NoError(t, b.Close(context.Background()))
	wg.Wait()
	require.Len(t, batches(), 1)
}
