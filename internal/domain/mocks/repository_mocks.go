package mocks

import (
	"context"
	"sync"

	"github.com/V4T54L/logpipe/internal/domain"
)

// MockBuffer is a mock implementation of domain.EventBuffer for testing.
type MockBuffer struct {
	mu     sync.Mutex
	Events []domain.Event
}

func (m *MockBuffer) Enqueue(event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
}

func (m *MockBuffer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// MockPublisher is a mock implementation of domain.StreamPublisher for testing.
type MockPublisher struct {
	mu         sync.Mutex
	Published  []domain.Batch
	PublishErr error
	Closed     bool
}

func (m *MockPublisher) Publish(ctx context.Context, batch domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return &domain.PublishError{CorrelationID: batch.CorrelationID, Size: batch.Size(), Err: m.PublishErr}
	}
	m.Published = append(m.Published, batch)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Batches returns a snapshot of the published batches.
func (m *MockPublisher) Batches() []domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Batch(nil), m.Published...)
}

// MockConsumer is a mock implementation of domain.StreamConsumer for testing.
type MockConsumer struct {
	mu              sync.Mutex
	ReadBatchResult []domain.StreamRecord
	Acked           []domain.StreamRecord
	ReadErr         error
	AckErr          error
}

func (m *MockConsumer) ReadBatch(ctx context.Context, max int) ([]domain.StreamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	if len(m.ReadBatchResult) > max {
		return m.ReadBatchResult[:max], nil
	}
	return m.ReadBatchResult, nil
}

func (m *MockConsumer) Acknowledge(ctx context.Context, records ...domain.StreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.Acked = append(m.Acked, records...)
	return nil
}

func (m *MockConsumer) Close() error { return nil }

// MockEventStore is a mock implementation of domain.EventStore for testing.
// WriteErrs are returned in order, one per call, before falling back to success.
type MockEventStore struct {
	mu        sync.Mutex
	Rows      map[string]domain.PersistedRow
	WriteErrs []error
	Calls     int
}

func (m *MockEventStore) WriteBatch(ctx context.Context, rows []domain.PersistedRow) (domain.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if len(m.WriteErrs) > 0 {
		err := m.WriteErrs[0]
		m.WriteErrs = m.WriteErrs[1:]
		if err != nil {
			return domain.WriteResult{}, err
		}
	}
	if m.Rows == nil {
		m.Rows = make(map[string]domain.PersistedRow)
	}
	var res domain.WriteResult
	for _, row := range rows {
		if _, ok := m.Rows[row.BusinessEventID]; ok {
			res.AlreadyExisted++
			continue
		}
		m.Rows[row.BusinessEventID] = row
		res.Inserted++
	}
	res.RoundTrips = 1
	return res, nil
}

// RowCount returns the number of distinct rows stored.
func (m *MockEventStore) RowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Rows)
}
