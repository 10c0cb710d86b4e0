package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/logpipe/internal/adapter/pii"
	"github.com/V4T54L/logpipe/internal/domain"
	"github.com/V4T54L/logpipe/internal/domain/mocks"
	"github.com/V4T54L/logpipe/internal/usecase"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockIngester is a mock implementation of Ingester for testing.
type MockIngester struct {
	IngestFunc func(ctx context.Context, event domain.Event) (domain.Event, error)
}

func (m *MockIngester) Ingest(ctx context.Context, event domain.Event) (domain.Event, error) {
	return m.IngestFunc(ctx, event)
}

func (m *MockIngester) PendingCount() int { return 0 }

func newIngester(buf *mocks.MockBuffer) Ingester {
	return usecase.NewIngestEventUseCase(buf, pii.NewRedactor([]string{"email"}, testLogger), testLogger, nil)
}

func TestIngestHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		contentType    string
		body           string
		maxSize        int64
		ingestErr      error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Invalid Method",
			method:         http.MethodGet,
			contentType:    "application/json",
			body:           `{}`,
			expectedStatus: http.StatusMethodNotAllowed,
			expectedBody:   "Method Not Allowed\n",
		},
		{
			name:           "Unsupported Content-Type",
			method:         http.MethodPost,
			contentType:    "text/plain",
			body:           `hello`,
			expectedStatus: http.StatusUnsupportedMediaType,
			expectedBody:   "Unsupported Media Type: text/plain\n",
		},
		{
			name:           "Bad JSON",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"message": "hello"`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Bad Request: failed to decode JSON\n",
		},
		{
			name:           "Validation Error",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"message": "  "}`,
			ingestErr:      domain.ErrValidation,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Bad Request: invalid event\n",
		},
		{
			name:           "Ingest Use Case Error",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"message": "fail me"}`,
			ingestErr:      errors.New("internal buffer error"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "Internal Server Error\n",
		},
		{
			name:           "Payload Too Large",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           `{"message": "this payload is definitely too large for the test limit"}`,
			maxSize:        20,
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedBody:   "Payload Too Large\n",
		},
		{
			name:           "Accepted",
			method:         http.MethodPost,
			contentType:    "application/json; charset=utf-8",
			body:           `{"message": "ok"}`,
			expectedStatus: http.StatusAccepted,
			expectedBody:   `{"accepted":1,"ids":["id-1"]}` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockIngester{
				IngestFunc: func(ctx context.Context, event domain.Event) (domain.Event, error) {
					event.ID = "id-1"
					return event, tt.ingestErr
				},
			}
			maxSize := tt.maxSize
			if maxSize == 0 {
				maxSize = 1024
			}
			h := NewIngestHandler(mock, testLogger, maxSize)

			req := httptest.NewRequest(tt.method, "/ingest", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, tt.expectedBody, rr.Body.String())
		})
	}
}

func TestIngestHandler_NDJSON(t *testing.T) {
	buf := &mocks.MockBuffer{}
	h := NewIngestHandler(newIngester(buf), testLogger, 1024)

	body := strings.Join([]string{
		`{"message": "line 1", "business_event_id": "b-1", "metadata": {"email": "a@b.c"}}`,
		``,
		`{"message": "bad`,
		`{"message": ""}`,
		`{"message": "line 2"}`,
	}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-ndjson")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
	assert.Len(t, resp.IDs, 2)

	require.Len(t, buf.Events, 2)
	assert.Equal(t, "b-1", buf.Events[0].BusinessEventID)
	assert.Equal(t, pii.RedactedPlaceholder, buf.Events[0].Metadata["email"])
	assert.Equal(t, "line 2", buf.Events[1].Message)
	assert.False(t, buf.Events[1].Timestamp.IsZero())
}

func TestIngestHandler_Gzip(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte(`{"message": "compressed"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	buf := &mocks.MockBuffer{}
	h := NewIngestHandler(newIngester(buf), testLogger, 1024)

	req := httptest.NewRequest(http.MethodPost, "/ingest", &compressed)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, buf.Events, 1)
	assert.Equal(t, "compressed", buf.Events[0].Message)
}

func TestIngestHandler_BadGzip(t *testing.T) {
	h := NewIngestHandler(newIngester(&mocks.MockBuffer{}), testLogger, 1024)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"message": "plain"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	buf := &mocks.MockBuffer{}
	buf.Enqueue(domain.Event{Message: "x"})

	rr := httptest.NewRecorder()
	Health(buf)(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","pending_events":1}`, rr.Body.String())
}
