package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/V4T54L/logpipe/internal/adapter/api/handler"
	"github.com/V4T54L/logpipe/internal/adapter/api/middleware"
	"github.com/V4T54L/logpipe/internal/pkg/config"
)

// NewRouter creates and configures the main HTTP router for the ingest service.
func NewRouter(cfg *config.Config, logger *slog.Logger, ingester handler.Ingester) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", handler.Health(ingester))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.APIKeys, logger))
		r.Method(http.MethodPost, "/ingest", handler.NewIngestHandler(ingester, logger, cfg.MaxEventSize))
	})

	return r
}
