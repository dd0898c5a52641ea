// cmd/pxgd/main.go
// Package main implements the entry point for the image serving daemon.
// It builds the configuration index once at startup, wires the serving and
// admin surfaces, and coordinates debounced restarts on configuration change.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixelgate/pixelgate-serve-go/internal/admin"
	"github.com/pixelgate/pixelgate-serve-go/internal/cache"
	"github.com/pixelgate/pixelgate-serve-go/internal/config"
	"github.com/pixelgate/pixelgate-serve-go/internal/edge"
	"github.com/pixelgate/pixelgate-serve-go/internal/event"
	"github.com/pixelgate/pixelgate-serve-go/internal/index"
	"github.com/pixelgate/pixelgate-serve-go/internal/origin"
	"github.com/pixelgate/pixelgate-serve-go/internal/pipeline"
	"github.com/pixelgate/pixelgate-serve-go/internal/policy"
	"github.com/pixelgate/pixelgate-serve-go/internal/reload"
	"github.com/pixelgate/pixelgate-serve-go/internal/schema"
	"github.com/pixelgate/pixelgate-serve-go/internal/server"
	"github.com/pixelgate/pixelgate-serve-go/internal/storage"
	"github.com/pixelgate/pixelgate-serve-go/internal/telemetry"
)

// main initializes all components, builds the serving index, starts the HTTP
// server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("pixelgate-serve")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize the durable configuration store (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// Build the configuration index once at startup. Serving reads only this
	// snapshot; configuration changes apply through the restart path.
	buildCtx, cancelBuild := context.WithTimeout(context.Background(), 30*time.Second)
	ix, err := index.Build(buildCtx, store)
	cancelBuild()
	if err != nil {
		logger.Error("failed to build configuration index", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration index built", "origins", ix.Origins(), "builtAt", ix.BuiltAt())

	// Configuration change event bus (NATS JetStream or no-op)
	bus := event.Connect(cfg.NATSURL)
	defer bus.Close()

	// Origin transports: HTTP always, S3 when object storage is configured
	httpFetcher := origin.NewHTTPFetcher(nil, cfg.FetchRetries)
	router := &origin.Router{HTTP: httpFetcher}
	if cfg.S3Endpoint != "" || cfg.S3AccessKey != "" {
		s3Fetcher, err := origin.NewS3Fetcher(context.Background(), cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 origin transport", "error", err)
			os.Exit(1)
		}
		router.S3 = s3Fetcher
	}

	// Serving components
	normalizer := &edge.Normalizer{Breakpoints: cfg.Breakpoints, DPRCap: cfg.DPRCap}
	engine := policy.New(cfg.Breakpoints, nil)
	executor := pipeline.New(router, pipeline.DefaultProcessor(), cfg.RequestDeadline)
	fallback := pipeline.NewFallback(httpFetcher, cfg.FallbackImageURL, cfg.NegativeCacheTTL)
	edgeCache := cache.New(cfg.EdgeCacheSize, cfg.EdgeCacheTTL)

	mux := server.NewMux(ix, normalizer, engine, executor, fallback, edgeCache, cfg.DefaultCacheTTL)

	// Admin write surface, mounted on the same listener
	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}
	admin.New(store, bus, validator).Register(mux.Handle)

	// Restart coordination: change events coalesce in a debounce window, then
	// a fresh index is built and swapped in.
	coordinator := reload.NewCoordinator(cfg.DebounceWindow, cfg.RestartRetries, func(ctx context.Context) error {
		rebuilt, err := index.Build(ctx, store)
		if err != nil {
			return err
		}
		mux.SetIndex(rebuilt)
		return nil
	})
	defer coordinator.Close()

	if err := bus.SubscribeConfigChanged(coordinator.Notify); err != nil {
		logger.Warn("config change subscription unavailable, restarts are manual", "error", err)
	}

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.RequestDeadline + 5*time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
