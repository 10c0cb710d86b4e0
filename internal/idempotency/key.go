// Package idempotency derives the business event id used to deduplicate
// redelivered events in the store.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/V4T54L/logpipe/internal/domain"
)

// KeySource tells where a derived key came from.
type KeySource string

const (
	// KeyFromProducer means the producer supplied a stable id, used verbatim.
	KeyFromProducer KeySource = "producer"
	// KeyFromStream means the key was hashed from the stream position.
	KeyFromStream KeySource = "stream"
	// KeyRandom means no stable input existed. Redelivery is not protected.
	KeyRandom KeySource = "random"
)

// StreamPosition is the stream metadata available for a delivered event.
type StreamPosition struct {
	PartitionKey   string
	Partition      string
	SequenceNumber *int64
	Offset         string
}

// PositionOf extracts the stream position of a delivered record.
func PositionOf(rec domain.StreamRecord) *StreamPosition {
	return &StreamPosition{
		PartitionKey:   rec.Event.PartitionKey,
		Partition:      rec.Partition,
		SequenceNumber: rec.SequenceNumber,
		Offset:         rec.Offset,
	}
}

func (p *StreamPosition) usable() bool {
	return p != nil && (p.SequenceNumber != nil || p.Offset != "")
}

// DeriveKey returns a non-empty business event id for ev.
//   - A non-blank producer-supplied BusinessEventID wins, unchanged.
//   - Otherwise the stream position is hashed, so the same stream record always
//     maps to the same key.
//   - Otherwise a random id is returned.
func DeriveKey(ev domain.Event, pos *StreamPosition) (string, KeySource) {
	if strings.TrimSpace(ev.BusinessEventID) != "" {
		return ev.BusinessEventID, KeyFromProducer
	}
	if pos.usable() {
		seq := ""
		if pos.SequenceNumber != nil {
			seq = strconv.FormatInt(*pos.SequenceNumber, 10)
		}
		composite := strings.Join([]string{pos.PartitionKey, pos.Partition, seq, pos.Offset}, "|")
		sum := sha256.Sum256([]byte(composite))
		return hex.EncodeToString(sum[:]), KeyFromStream
	}
	return uuid.NewString(), KeyRandom
}
