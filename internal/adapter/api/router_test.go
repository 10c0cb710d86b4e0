package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/domain/mocks"
	"github.com/V4T54L/logpipe/internal/pkg/config"
	"github.com/V4T54L/logpipe/internal/usecase"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRouter_Auth(t *testing.T) {
	cfg := &config.Config{MaxEventSize: 1024, APIKeys: []string{"secret"}}
	uc := usecase.NewIngestEventUseCase(&mocks.MockBuffer{}, nil, testLogger, nil)
	router := NewRouter(cfg, testLogger, uc)

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{name: "missing key", status: http.StatusUnauthorized},
		{name: "wrong key", key: "nope", status: http.StatusUnauthorized},
		{name: "valid key", key: "secret", status: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"message":"hi"}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
		})
	}

	// Health is not gated.
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_NoKeysConfigured(t *testing.T) {
	cfg := &config.Config{MaxEventSize: 1024}
	router := NewRouter(cfg, testLogger, usecase.NewIngestEventUseCase(&mocks.MockBuffer{}, nil, testLogger, nil))

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestAdminRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(reg)
	m.EventsEnqueued.Add(3)

	router := NewAdminRouter(reg, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "logpipe_buffer_events_enqueued_total 3")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","pending_events":0}`, rr.Body.String())
}
