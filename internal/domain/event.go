package domain

import "time"

// Event represents one logged occurrence as accepted from ingress.
// It is immutable once handed to the buffer.
type Event struct {
	// ID is a local correlation identifier. It is not the dedup key.
	ID string `json:"id"`

	// BusinessEventID is the producer-supplied stable identifier, if any.
	BusinessEventID string            `json:"business_event_id,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	Source          string            `json:"source,omitempty"`
	Level           string            `json:"level,omitempty"`
	Message         string            `json:"message"`
	PartitionKey    string            `json:"partition_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Batch is an ordered group of events emitted by a single buffer flush.
type Batch struct {
	CorrelationID string
	Events        []Event
	CreatedAt     time.Time
}

// Size returns the number of events in the batch.
func (b Batch) Size() int {
	return len(b.Events)
}

// StreamRecord is an event as delivered by the durable stream, together with the
// position the stream assigned to it: the partition it was read from, its offset
// within that partition, and, when the stream provides them, a numeric sequence
// number and the time the stream accepted it.
type StreamRecord struct {
	Event          Event
	Partition      string
	Offset         string
	SequenceNumber *int64
	EnqueuedTime   *time.Time
}

// PersistedRow is the durable shape of an event in the relational store.
type PersistedRow struct {
	BusinessEventID string
	Source          string
	Level           string
	Message         string
	PartitionKey    string
	Timestamp       time.Time
	EnqueuedTimeUTC *time.Time
	SequenceNumber  *int64
	Metadata        map[string]string

	// CreatedAt is assigned by the store and ignored on write.
	CreatedAt time.Time
}
