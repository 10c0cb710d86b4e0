package domain

import "context"

// EventBuffer is what ingress sees of the batching buffer.
type EventBuffer interface {
	// Enqueue appends an event. It never blocks on downstream I/O.
	Enqueue(event Event)

	// PendingCount returns the number of buffered, not yet flushed events.
	PendingCount() int
}

// StreamPublisher publishes batches to a durable, partitioned, ordered log.
type StreamPublisher interface {
	// Publish sends every event of the batch and returns once the stream has
	// acknowledged all of them. Failures are reported as *PublishError.
	Publish(ctx context.Context, batch Batch) error

	// Close releases the long-lived stream connection.
	Close() error
}

// StreamConsumer reads delivered records from the durable log.
type StreamConsumer interface {
	// ReadBatch returns up to max records. Records that were returned earlier but
	// not acknowledged are returned again first.
	ReadBatch(ctx context.Context, max int) ([]StreamRecord, error)

	// Acknowledge marks records as processed so that they are not redelivered.
	Acknowledge(ctx context.Context, records ...StreamRecord) error

	Close() error
}

// EventStore persists rows such that a given BusinessEventID is stored once.
type EventStore interface {
	// WriteBatch persists rows with the configured dedup strategy. Errors are
	// *TransientStoreError or *FatalStoreError.
	WriteBatch(ctx context.Context, rows []PersistedRow) (WriteResult, error)
}
