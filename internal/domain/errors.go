package domain

import (
	"errors"
	"fmt"
)

// ErrValidation is returned by ingress when an event is malformed.
var ErrValidation = errors.New("invalid event")

// PublishError is returned when the stream is unavailable or rejects a batch.
type PublishError struct {
	CorrelationID string
	Size          int
	Err           error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish batch %s (%d events): %v", e.CorrelationID, e.Size, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// TransientStoreError marks a store failure that is safe to retry at batch
// granularity, such as a dropped connection or a timeout.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// FatalStoreError marks a store failure that must not be retried, such as a
// schema mismatch or a constraint other than the dedup index.
type FatalStoreError struct {
	Op  string
	Err error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("fatal store error during %s: %v", e.Op, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientStoreError.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// IsFatal reports whether err is, or wraps, a FatalStoreError.
func IsFatal(err error) bool {
	var f *FatalStoreError
	return errors.As(err, &f)
}
