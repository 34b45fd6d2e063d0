/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the canteen ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults < YAML file < environment)
  3. Initialize logger and SQLite store
  4. Create ledger engine, undo coordinator, reports, maintenance
  5. Start maintenance scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides config)
  -db       SQLite database path (overrides config)
            Use ":memory:" for an in-memory database
  -config   Path to YAML config file (default: config.yaml, optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the maintenance scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/canteen.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/canteen-ledger/api"
	"github.com/warp/canteen-ledger/config"
	"github.com/warp/canteen-ledger/internal/logger"
	"github.com/warp/canteen-ledger/ledger"
	"github.com/warp/canteen-ledger/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	configPath := flag.String("config", "config.yaml", "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log, err := logger.New(cfg.Logging.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatal("STARTUP", fmt.Sprintf("failed to initialize database: %v", err))
	}
	defer store.Close()

	// Wire the domain
	defaultPrice, err := decimal.NewFromString(cfg.Ledger.DefaultTicketPrice)
	if err != nil {
		log.Fatal("STARTUP", fmt.Sprintf("invalid default ticket price %q: %v", cfg.Ledger.DefaultTicketPrice, err))
	}
	engine := ledger.NewEngine(store, defaultPrice)

	handler := api.NewHandler(store, engine, log)
	handler.RetentionYears = cfg.Ledger.RetentionYears
	if cfg.Backup.Enabled {
		handler.BackupDir = cfg.Backup.Dir
	}

	// Background housekeeping
	scheduler := api.NewMaintenanceScheduler(store, handler.Maintenance, log)
	scheduler.RetentionYears = cfg.Ledger.RetentionYears
	scheduler.BackupRetentionDays = cfg.Backup.RetentionDays
	if cfg.Backup.Enabled {
		scheduler.BackupDir = cfg.Backup.Dir
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("STARTUP", fmt.Sprintf("server listening on http://localhost:%d", cfg.Server.Port))
		log.Info("STARTUP", fmt.Sprintf("API available at http://localhost:%d/api", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("STARTUP", fmt.Sprintf("server failed: %v", err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("SHUTDOWN", "shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("SHUTDOWN", fmt.Sprintf("server forced to shutdown: %v", err))
	}

	log.Info("SHUTDOWN", "server stopped")
}
