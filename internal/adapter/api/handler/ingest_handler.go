package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/klauspost/compress/gzip"

	"github.com/V4T54L/logpipe/internal/adapter/api/middleware"
	"github.com/V4T54L/logpipe/internal/domain"
)

// Ingester is the ingress use case as seen by the HTTP layer.
type Ingester interface {
	Ingest(ctx context.Context, event domain.Event) (domain.Event, error)
	PendingCount() int
}

// IngestResponse is the body returned for an accepted request.
type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected,omitempty"`
	IDs      []string `json:"ids,omitempty"`
}

// IngestHandler handles HTTP requests for event ingestion.
type IngestHandler struct {
	useCase      Ingester
	logger       *slog.Logger
	maxEventSize int64
}

// NewIngestHandler creates a new IngestHandler.
func NewIngestHandler(uc Ingester, logger *slog.Logger, maxEventSize int64) *IngestHandler {
	return &IngestHandler{
		useCase:      uc,
		logger:       logger.With("component", "ingest_handler"),
		maxEventSize: maxEventSize,
	}
}

// ServeHTTP accepts one JSON event or a stream of NDJSON events, optionally
// gzip encoded, and responds 202 once they are buffered.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	// Enforce max body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize)

	body, err := h.decodedBody(w, r)
	if err != nil {
		http.Error(w, "Bad Request: invalid gzip body", http.StatusBadRequest)
		return
	}
	defer body.Close()

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var resp IngestResponse
	switch contentType {
	case "application/json":
		resp, err = h.handleSingleJSON(r.Context(), body)
	case "application/x-ndjson":
		resp, err = h.handleNDJSON(r.Context(), body)
	default:
		http.Error(w, fmt.Sprintf("Unsupported Media Type: %s", contentType), http.StatusUnsupportedMediaType)
		return
	}

	middleware.RecordEvents(r.Context(), resp.Accepted, resp.Rejected)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr), errors.Is(err, bufio.ErrTooLong):
			http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, domain.ErrValidation):
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		case errors.Is(err, errDecode):
			http.Error(w, "Bad Request: failed to decode JSON", http.StatusBadRequest)
		default:
			h.logger.Error("failed to process ingest request", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

var errDecode = errors.New("decode event")

// decodedBody unwraps a gzip request body. The decompressed stream is bounded
// by the same limit as the wire body.
func (h *IngestHandler) decodedBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	if r.Header.Get("Content-Encoding") != "gzip" {
		return r.Body, nil
	}
	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		return nil, err
	}
	return http.MaxBytesReader(w, gz, h.maxEventSize), nil
}

func (h *IngestHandler) handleSingleJSON(ctx context.Context, body io.Reader) (IngestResponse, error) {
	var event domain.Event
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return IngestResponse{}, err
		}
		return IngestResponse{}, fmt.Errorf("%w: %v", errDecode, err)
	}

	accepted, err := h.useCase.Ingest(ctx, event)
	if err != nil {
		return IngestResponse{}, err
	}
	return IngestResponse{Accepted: 1, IDs: []string{accepted.ID}}, nil
}

// handleNDJSON ingests every valid line. Malformed and invalid lines are
// counted as rejected and skipped.
func (h *IngestHandler) handleNDJSON(ctx context.Context, body io.Reader) (IngestResponse, error) {
	var resp IngestResponse
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(h.maxEventSize)+1)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event domain.Event
		if err := json.Unmarshal(line, &event); err != nil {
			h.logger.Warn("failed to unmarshal ndjson line", "error", err)
			resp.Rejected++
			continue
		}

		accepted, err := h.useCase.Ingest(ctx, event)
		if err != nil {
			if !errors.Is(err, domain.ErrValidation) {
				return resp, err
			}
			h.logger.Warn("rejected ndjson event", "error", err)
			resp.Rejected++
			continue
		}
		resp.Accepted++
		resp.IDs = append(resp.IDs, accepted.ID)
	}
	return resp, scanner.Err()
}
