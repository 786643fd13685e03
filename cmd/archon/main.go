package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/arcspace-ai/archon/internal/config"
	"github.com/arcspace-ai/archon/internal/mcp"
	"github.com/arcspace-ai/archon/internal/service/decay"
	"github.com/arcspace-ai/archon/internal/service/lifecycle"
	"github.com/arcspace-ai/archon/internal/service/memory"
	"github.com/arcspace-ai/archon/internal/service/retrypolicy"
	"github.com/arcspace-ai/archon/internal/storage"
	"github.com/arcspace-ai/archon/internal/storage/lite"
	"github.com/arcspace-ai/archon/internal/telemetry"
	"github.com/arcspace-ai/archon/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	// MCP stdio owns stdout, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("archon starting", "version", version, "store", cfg.StoreDriver)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	lc := lifecycle.New(store, logger)
	de := decay.New(store, logger)
	mb := memory.NewBuilder(store, logger, cfg.FeedbackEventLimit)
	retry := retrypolicy.Policy{DefaultMaxAttempts: cfg.MaxAttemptsPerStep}

	// Daily health decay runs in-process. The sweep body is a pure
	// function over rules due for decay, so an external scheduler
	// hitting a second instance is also safe.
	go de.Run(ctx, cfg.DecaySweepInterval, logger)

	mcpSrv := mcp.New(store, lc, de, mb, retry, logger, version)

	errCh := make(chan error, 1)
	go func() {
		if err := mcpserver.ServeStdio(mcpSrv.MCPServer()); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
	}

	slog.Info("archon stopped")
	return nil
}

// openStore connects the configured backend. Postgres runs the
// embedded migrations on startup; the SQLite store applies its schema
// inside Open.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	case "sqlite":
		st, err := lite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
