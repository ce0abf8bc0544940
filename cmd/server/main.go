/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, optional .env / config.env)
  2. Build the zerolog logger
  3. Open the SQLite store (schema is created on open)
  4. Wire key locker, inventory service, order service
  5. Start the reconciliation scheduler
  6. Configure HTTP router and start server with graceful shutdown

CONFIGURATION:
  HTTP_HOST, HTTP_PORT          Listen address (default 0.0.0.0:8080)
  DB_PATH                       SQLite file, or ":memory:" (default stock.db)
  LOG_LEVEL, APP_ENV            Logging level and format
  LEDGER_LOCK_WAIT              Per-key lock wait (default 5s)
  LEDGER_WRITE_OFF_METHOD       FIFO or LIFO (default FIFO)
  LEDGER_RECONCILE_INTERVAL     Drift scan period, 0 disables (default 1h)
  CORS_ALLOWED_ORIGINS          Comma-separated origins

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/logger"
	"github.com/warp/stock-engine/orders"
	"github.com/warp/stock-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	lg := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, Name: cfg.App.Name})

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		lg.Fatal().Err(err).Str("path", cfg.DB.Path).Msg("failed to initialize database")
	}
	defer store.Close()

	// Services
	inv := inventory.NewService(store, store, ledger.NewKeyLocker(cfg.Ledger.LockWait), lg)
	inv.DefaultMethod = cfg.Ledger.WriteOffMethod
	ord := orders.NewService(store, store, inv, lg)

	scheduler := api.NewReconciliationScheduler(inv, cfg.Ledger.ReconcileInterval, lg)
	scheduler.Start()

	handler := api.NewHandler(inv, ord, store, lg)
	handler.Scheduler = scheduler
	router := api.NewRouter(handler, cfg.HTTP.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		lg.Info().Str("addr", cfg.HTTP.Addr()).Str("db", cfg.DB.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		lg.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	lg.Info().Msg("server stopped")
}
