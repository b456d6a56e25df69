package main

// Package main is the entry point for the sentinel-ai server application.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the SQLite incident store and run schema migrations
//   - Start the HTTP API for event ingestion and incident queries
//   - Start the WebSocket stream of investigation step events
//   - Start the background watchdog that reaps stale investigations
//   - Implement graceful shutdown with context cancellation
//
// Architecture Flow:
//   1. Monitoring delivers alert events to POST /api/v1/events
//   2. The orchestrator claims the incident record and runs the
//      investigation loop against the oracle and the evidence collectors
//   3. Evidence, diagnosis, and a run audit are persisted per incident
//   4. REST + WebSocket expose incident state and live step events
//
// Graceful Shutdown:
//   - Drains in-flight HTTP requests
//   - Stops the watchdog sweep loop
//   - Finalizes audit logs and closes the store

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-ai/internal/config"
	"github.com/sentinelops/sentinel-ai/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/sentinel/config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx := context.Background()

	mgr, err := config.NewConfigManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config manager: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get(ctx)

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	srv, err := server.NewServer(cfg, log)
	if err != nil {
		log.Fatal("failed to create server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		log.Fatal("failed to start server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		log.Error("error stopping server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

// newLogger builds the application logger from the logging config.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Logging.Format == "text" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
