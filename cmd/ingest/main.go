package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/V4T54L/logpipe/internal/adapter/api"
	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/adapter/pii"
	"github.com/V4T54L/logpipe/internal/adapter/repository"
	"github.com/V4T54L/logpipe/internal/buffer"
	"github.com/V4T54L/logpipe/internal/pkg/config"
	"github.com/V4T54L/logpipe/internal/pkg/logger"
	"github.com/V4T54L/logpipe/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPipelineMetrics(reg)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Stream Producer ---
	publisher, err := repository.NewPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize stream publisher", "driver", cfg.StreamDriver, "error", err)
		os.Exit(1)
	}

	// --- Buffer and Dispatcher ---
	buf, err := buffer.New(cfg.BufferSizeThreshold, cfg.BufferFlushInterval, logger, m)
	if err != nil {
		logger.Error("failed to initialize buffer", "error", err)
		os.Exit(1)
	}
	buf.Start()

	dispatcher := usecase.NewDispatchBatchesUseCase(publisher, cfg.PublishTimeout, logger, m)
	var dispatchWG sync.WaitGroup
	dispatchWG.Add(1)
	go func() {
		defer dispatchWG.Done()
		// Runs until the buffer closes its batch channel, not until ctx is done,
		// so the final shutdown batch is still published.
		dispatcher.Run(context.Background(), buf.Batches())
	}()

	// --- Use Cases and Servers ---
	redactor := pii.NewRedactor(cfg.PIIRedactionFields, logger)
	ingestUseCase := usecase.NewIngestEventUseCase(buf, redactor, logger, m)

	adminServer := &http.Server{
		Addr:              cfg.AdminServerAddr,
		Handler:           api.NewAdminRouter(reg, buf),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()

	ingestServer := &http.Server{
		Addr:         cfg.IngestServerAddr,
		Handler:      api.NewRouter(cfg, logger, ingestUseCase),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		logger.Info("starting ingest server", "addr", ingestServer.Addr, "stream", cfg.StreamDriver)
		if err := ingestServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ingest server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	// Stop accepting events first, then drain what is buffered.
	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest server shutdown failed", "error", err)
	}
	if err := buf.Close(shutdownCtx); err != nil {
		logger.Error("buffer drain incomplete", "error", err)
	}

	dispatched := make(chan struct{})
	go func() {
		dispatchWG.Wait()
		close(dispatched)
	}()
	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		logger.Error("dispatcher did not finish before shutdown timeout")
	}

	if err := publisher.Close(); err != nil {
		logger.Error("failed to close stream publisher", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}

	logger.Info("ingest service shut down gracefully")
}
