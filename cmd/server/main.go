/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission scheduler server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize SQLite store
  3. Seed plans from the plans file (existing plans are kept)
  4. Choose the wallet ledger (remote HTTP or embedded)
  5. Build service, processor and disbursement scheduler
  6. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -config  YAML config file (default: config.yaml, optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for an in-memory database
  -no-scheduler  Serve the API without the background disbursement loop

ENVIRONMENT:
  COMMISSION_* variables override the config file; see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the disbursement scheduler (in-flight credits are cancelled
     and retried later; stuck claims are swept)
  2. Stop accepting new connections, wait for active requests (30s)
  3. Close database connection

SEE ALSO:
  - api/server.go:          Router configuration
  - api/scheduler.go:       Disbursement scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/wallet"
)

func main() {
	// Flags
	configPath := flag.String("config", "config.yaml", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	noScheduler := flag.Bool("no-scheduler", false, "Disable the background disbursement loop")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, !*noScheduler, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, withScheduler bool, logger *slog.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	if cfg.PlansFile != "" {
		if err := seedPlans(context.Background(), store, cfg.PlansFile, logger); err != nil {
			return err
		}
	}

	// Wallet ledger
	var ledger wallet.Ledger
	if cfg.WalletURL != "" {
		ledger = wallet.NewHTTPLedger(cfg.WalletURL, wallet.HTTPLedgerOptions{
			Timeout:        cfg.WalletTimeout,
			RequestsPerSec: cfg.WalletRPS,
			Burst:          cfg.WalletBurst,
			Token:          cfg.WalletToken,
		})
		logger.Info("using remote wallet ledger", "url", cfg.WalletURL)
	} else {
		ledger = wallet.NewLocalLedger(store)
		logger.Info("using embedded wallet ledger")
	}

	svc := commission.NewService(store, store, store)
	svc.StartOffsetDays = cfg.StartOffsetDays
	if cfg.Seed != 0 {
		svc.Rand = commission.NewSeededSource(cfg.Seed)
	}

	processor, err := commission.NewProcessor(store, ledger, generic.SystemClock{}, cfg.Processor, logger)
	if err != nil {
		return fmt.Errorf("build processor: %w", err)
	}

	scheduler := api.NewDisbursementScheduler(processor, logger)
	scheduler.TickInterval = cfg.TickInterval
	scheduler.SweepInterval = cfg.SweepInterval
	scheduler.Enabled = withScheduler

	handler := api.NewHandler(svc, store, scheduler)
	handler.Health = store

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewRouter(handler, api.RouterOptions{}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second, // manual runs may take a while
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// seedPlans loads plan definitions and saves the ones not yet stored.
func seedPlans(ctx context.Context, store *sqlite.Store, path string, logger *slog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plans file: %w", err)
	}
	plans, err := factory.NewPlanFactory().ParsePlans(raw)
	if err != nil {
		return fmt.Errorf("parse plans file: %w", err)
	}

	seeded := 0
	for _, p := range plans {
		_, err := store.GetPlan(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, generic.ErrPlanNotFound) {
			return err
		}
		if err := store.SavePlan(ctx, p); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
		seeded++
	}
	logger.Info("plans seeded", "file", path, "new", seeded, "total", len(plans))
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
