/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the flour factory approval server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration, then apply command-line flags
  2. Build the zap logger
  3. Initialize SQLite store
  4. Choose the document locker (Redis when REDIS_ADDR is set)
  5. Build threshold policy, spending ledger, chain registry and engines
  6. Load financial controls from the settings table
  7. Start HTTP server and reconciliation scheduler under one errgroup

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides APP_ADDR)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -demo    Enable /api/scenarios

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Stop the scheduler
  4. Close Redis and database connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/erp.db"

  # Run with in-memory database and demo scenarios
  ./server -db=":memory:" -demo

  # Share document locks between replicas
  REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kushukushu/approval-engine/api"
	"github.com/kushukushu/approval-engine/config"
	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/procurement"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/kushukushu/approval-engine/store/redislock"
	"github.com/kushukushu/approval-engine/store/sqlite"
	"github.com/kushukushu/approval-engine/warehouse"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides APP_ADDR)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	demo := flag.Bool("demo", false, "Enable demo scenarios")
	flag.Parse()
	if *port != 0 {
		cfg.AppAddr = fmt.Sprintf(":%d", *port)
	}
	cfg.DBPath = *dbPath
	if *demo && cfg.IsProduction() {
		return errors.New("-demo cannot be used when APP_ENV=production")
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	// Initialize store
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Document locks
	var locker generic.Locker = generic.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		client, err := redislock.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		locker = redislock.New(client)
		logger.Info("using redis document locks", zap.String("addr", cfg.RedisAddr))
	}

	// Engines
	loc := cfg.Location()
	policy, err := generic.NewThresholdPolicy(generic.DefaultThresholdConfig())
	if err != nil {
		return err
	}
	ledger := generic.NewSpendingLedger(store, policy, loc)

	chains := append(procurement.Chains(ledger), warehouse.Chains(store)...)
	registry, err := generic.NewRegistry(chains...)
	if err != nil {
		return fmt.Errorf("invalid approval chains: %w", err)
	}
	engine := generic.NewEngine(store, registry,
		generic.WithLocker(locker),
		generic.WithLogger(logger.Named("engine")),
	)
	recon := reconciliation.NewEngine(store,
		reconciliation.WithLocker(locker),
		reconciliation.WithLogger(logger.Named("reconciliation")),
		reconciliation.WithLocation(loc),
	)

	// Initialize handler
	handler := api.NewHandler(api.Deps{
		Engine:    engine,
		Recon:     recon,
		Ledger:    ledger,
		Settings:  store,
		Inventory: warehouse.NewInventory(store, logger.Named("inventory")),
		DB:        store,
		Branches:  cfg.Branches,
		Logger:    logger.Named("http"),
	})
	if err := handler.LoadControls(ctx); err != nil {
		return fmt.Errorf("failed to load financial controls: %w", err)
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:     cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.AppRequestTimeout,
		EnableScenarios:    *demo,
	})

	// Create server
	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  cfg.AppIdleTimeout,
	}

	scheduler := api.NewReconciliationScheduler(recon, cfg.Branches, logger.Named("scheduler"))
	scheduler.CheckInterval = cfg.ReconciliationCheckInterval

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", cfg.AppAddr),
			zap.String("db", cfg.DBPath),
			zap.String("timezone", cfg.Timezone),
			zap.Bool("demo", *demo),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
