package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/V4T54L/logpipe/internal/adapter/api"
	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/adapter/repository"
	"github.com/V4T54L/logpipe/internal/adapter/repository/sqlstore"
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

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := cfg.ValidateStore(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}
	strategy, err := sqlstore.ParseStrategy(cfg.WriterStrategy)
	if err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPipelineMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	db, dialect, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		log.Error("failed to connect to store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := sqlstore.New(db, dialect, sqlstore.Options{Strategy: strategy, ChunkSize: cfg.WriterBulkChunkSize}, log, m)
	if cfg.SchemaAutoMigrate {
		if err := store.Migrate(ctx, cfg.SchemaTargetVersion); err != nil {
			log.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
	}
	resolved, err := store.Strategy(ctx)
	if err != nil {
		log.Error("failed to resolve write strategy", "error", err)
		os.Exit(1)
	}

	// --- Stream Consumer ---
	consumer, err := repository.NewConsumer(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize stream consumer", "driver", cfg.StreamDriver, "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	adminServer := &http.Server{
		Addr:              cfg.AdminServerAddr,
		Handler:           api.NewAdminRouter(reg, nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin & metrics server failed", "error", err)
		}
	}()

	persist := usecase.NewPersistEventsUseCase(consumer, store, log, m, cfg.WriterBatchSize, cfg.WriterRetryCount, cfg.WriterRetryBackoff)

	log.Info("writer started",
		"stream", cfg.StreamDriver,
		"group", cfg.ConsumerGroup,
		"consumer", cfg.ConsumerName,
		"strategy", resolved,
	)
	if err := persist.Run(ctx, cfg.WriterPollInterval); err != nil {
		log.Error("writer stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}

	log.Info("writer shut down gracefully")
}
