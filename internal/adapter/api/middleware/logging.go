package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type ingestStatsKey struct{}

// IngestStats counts the events a request carried. Handlers record into it
// with RecordEvents; Logging reports it.
type IngestStats struct {
	accepted atomic.Int64
	rejected atomic.Int64
}

// RecordEvents adds to the request's event counts. It is a no-op outside
// the Logging middleware.
func RecordEvents(ctx context.Context, accepted, rejected int) {
	stats, ok := ctx.Value(ingestStatsKey{}).(*IngestStats)
	if !ok {
		return
	}
	stats.accepted.Add(int64(accepted))
	stats.rejected.Add(int64(rejected))
}

// statusRecorder captures the status code and body size for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Logging logs one line per request with the events it accepted and rejected.
// Client errors log at WARN and server errors at ERROR.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			stats := &IngestStats{}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ingestStatsKey{}, stats)))

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "handled request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.Int("status", rec.status),
				slog.Int64("events_accepted", stats.accepted.Load()),
				slog.Int64("events_rejected", stats.rejected.Load()),
				slog.Int("response_bytes", rec.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}
