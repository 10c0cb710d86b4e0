package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/logpipe/internal/adapter/api/handler"
)

// NewAdminRouter serves operational endpoints: Prometheus metrics from gatherer
// and a health check. pc may be nil for processes without a buffer.
func NewAdminRouter(gatherer prometheus.Gatherer, pc handler.PendingCounter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", handler.Health(pc))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
