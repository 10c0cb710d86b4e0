package pii

import (
	"log/slog"
	"strings"

	"github.com/V4T54L/logpipe/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor replaces the values of sensitive metadata keys before events are buffered.
type Redactor struct {
	fieldsToRedact map[string]struct{} // Use a map for O(1) lookups
	logger         *slog.Logger
}

// NewRedactor creates a new Redactor instance with a given set of fields to redact.
// Field names are matched case-insensitively; blank names are ignored.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.ToLower(strings.TrimSpace(field))
		if field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// Redact returns a copy of event with sensitive metadata values replaced and
// reports whether anything was redacted. The input event is not modified.
func (r *Redactor) Redact(event domain.Event) (domain.Event, bool) {
	if len(r.fieldsToRedact) == 0 || len(event.Metadata) == 0 {
		return event, false
	}

	var redacted map[string]string
	for key := range event.Metadata {
		if _, ok := r.fieldsToRedact[strings.ToLower(key)]; !ok {
			continue
		}
		if redacted == nil {
			redacted = make(map[string]string, len(event.Metadata))
			for k, v := range event.Metadata {
				redacted[k] = v
			}
		}
		redacted[key] = RedactedPlaceholder
	}

	if redacted == nil {
		return event, false
	}
	r.logger.Debug("redacted metadata fields", "event_id", event.ID)
	event.Metadata = redacted
	return event, true
}
