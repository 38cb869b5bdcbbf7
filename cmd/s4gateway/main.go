// Package main is the entry point for s4gateway, a multi-tenant OData
// gateway for SAP S/4HANA and compatible systems.
//
// The gateway sits between API-key holders and their OData services and
// provides:
//   - API-key authentication with per-key sliding-window rate limits (Redis)
//   - Access-grant resolution with strict tenant isolation
//   - Upstream credential management: Basic+CSRF, header injection, OAuth2
//   - OData v2/v4 response and error normalization
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/s4kit/gateway/internal/catalog"
	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/observability"
	"github.com/s4kit/gateway/internal/redis"
	"github.com/s4kit/gateway/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("s4gateway %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting s4gateway", "version", version)
	redis.InitLogger(logger)

	// Root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load the tenant catalog. The gateway cannot start without one; later
	// edits are picked up by the watcher without a restart.
	snapshot, err := catalog.LoadFile(cfg.Catalog.File)
	if err != nil {
		logger.Error("failed to load catalog", "file", cfg.Catalog.File, "error", err)
		os.Exit(1)
	}
	store := catalog.NewSwappableStore(snapshot)

	srv, err := server.New(cfg, store, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Catalog watcher for hot-reload of tenants, services, and keys.
	watcher := catalog.NewWatcher(cfg.Catalog.File, store, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("catalog watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("s4gateway shut down gracefully")
}
