package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/V4T54L/logpipe/internal/adapter/repository/sqlstore"
	"github.com/V4T54L/logpipe/internal/pkg/config"
	"github.com/V4T54L/logpipe/internal/pkg/logger"
)

// Globals are shared by every subcommand. Unset flags fall back to the
// environment configuration.
type Globals struct {
	Driver string `help:"Store driver (postgres, pgx, sqlite). Defaults to STORE_DRIVER."`
	DSN    string `help:"Store DSN. Defaults to STORE_DSN."`
}

type CLI struct {
	Globals

	Up      UpCmd      `cmd:"" default:"withargs" help:"Apply schema migrations up to a target version"`
	Version VersionCmd `cmd:"" help:"Print the applied schema version and dedup index mode"`
}

type UpCmd struct {
	Target int `short:"t" help:"Target schema version; 0 means latest. Defaults to SCHEMA_TARGET_VERSION."`
}

func (c *UpCmd) Run(ctx context.Context, store *sqlstore.Store, cfg *config.Config, logger *slog.Logger) error {
	target := c.Target
	if target == 0 {
		target = cfg.SchemaTargetVersion
	}
	if err := store.Migrate(ctx, target); err != nil {
		return err
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	logger.Info("schema is up to date", "version", version, "latest", sqlstore.LatestSchemaVersion)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(ctx context.Context, store *sqlstore.Store) error {
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Println("version: 0 (not migrated)")
		return nil
	}
	mode, err := store.IndexMode(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("version: %d\nindex_mode: %s\n", version, mode)
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("migrate"),
		kong.Description("Manage the log_events schema contract."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cli.Driver != "" {
		cfg.StoreDriver = cli.Driver
	}
	if cli.DSN != "" {
		cfg.StoreDSN = cli.DSN
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, dialect, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		logger.Error("failed to connect to store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := sqlstore.New(db, dialect, sqlstore.Options{}, logger, nil)

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(store, cfg, logger)
	kctx.FatalIfErrorf(err)
}
