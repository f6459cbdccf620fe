// Package main is the entrypoint for the lexibatch job engine daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lexivault/lexibatch/internal/cache"
	"github.com/lexivault/lexibatch/internal/config"
	"github.com/lexivault/lexibatch/internal/engine"
	"github.com/lexivault/lexibatch/internal/executor"
	execmock "github.com/lexivault/lexibatch/internal/executor/mock"
	"github.com/lexivault/lexibatch/internal/ledger"
	"github.com/lexivault/lexibatch/internal/metrics"
	"github.com/lexivault/lexibatch/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "executor", cfg.Executor.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create item executor
	exec, err := newExecutor(cfg.Executor)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	slog.Info("executor initialized", "provider", exec.Name())

	// 6. Wire the engine
	svc := engine.NewService(
		store.NewPostgresStore(pool),
		ledger.NewPostgresLedger(pool),
		redisCache,
		metrics.NewPostgresCollector(pool),
		exec,
		cfg.Engine,
	)

	// 7. Drive the dispatch loop until a shutdown signal arrives
	return svc.Run(ctx)
}

// newExecutor constructs the injected item executor. Real provider
// integrations live outside this engine; the mock answers with canned
// payloads and simulated latency.
func newExecutor(cfg config.ExecutorConfig) (executor.Executor, error) {
	switch cfg.Kind {
	case "mock":
		return execmock.New(cfg.ProviderName, cfg.SimulatedDelay), nil
	default:
		return nil, fmt.Errorf("unknown executor %q: must be mock", cfg.Kind)
	}
}
