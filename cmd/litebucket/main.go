// Package main is the entry point for the LiteBucket S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/litebucket/litebucket/internal/config"
	"github.com/litebucket/litebucket/internal/logging"
	"github.com/litebucket/litebucket/internal/metrics"
	"github.com/litebucket/litebucket/internal/pool"
	"github.com/litebucket/litebucket/internal/registry"
	"github.com/litebucket/litebucket/internal/server"
	"github.com/litebucket/litebucket/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	dbPathFlag := flag.String("db-path", "", "override SQLite database path (default: from config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxObjectSize := flag.Int64("max-object-size", 0, "maximum object size in bytes (default: from config or 1073741824)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *dbPathFlag != "" {
		cfg.Database.Path = *dbPathFlag
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}

	// Initialize structured logging.
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Build the bucket registry first so a misconfigured bucket name aborts
	// startup before anything touches the database.
	configured := make([]registry.Bucket, 0, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		configured = append(configured, registry.Bucket{
			Name:              b.Name,
			InitialVersioning: b.Versioning,
		})
	}
	reg, err := registry.New(configured)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid bucket configuration: %v\n", err)
		os.Exit(1)
	}

	// Open the embedded database. SQLite WAL auto-recovers on open, so every
	// startup doubles as crash recovery.
	dbPath := cfg.Database.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create database directory: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(dbPath, store.Options{
		MaxConns:      cfg.Database.MaxConns,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// Seed configured buckets (idempotent; existing rows keep their state).
	if err := seedBuckets(st, reg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed buckets: %v\n", err)
		os.Exit(1)
	}
	slog.Info("Store initialized", "path", dbPath, "buckets", reg.Len())

	metrics.Register()
	if buckets, objects, err := st.Stats(context.Background()); err == nil {
		metrics.BucketsTotal.Set(float64(buckets))
		metrics.ObjectsTotal.Set(float64(objects))
	}

	workers := pool.New(
		int64(cfg.Workers.MaxConcurrent),
		time.Duration(cfg.Workers.AcquireTimeout)*time.Second,
	)

	srv := server.New(cfg, reg, st, workers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("LiteBucket listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		// Give in-flight requests time to complete.
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// seedBuckets ensures a database row exists for every configured bucket.
// Runs on every startup; a bucket already present keeps its persisted
// versioning state regardless of what the configuration says now.
func seedBuckets(st *store.Store, reg *registry.Registry) error {
	ctx := context.Background()
	for _, b := range reg.List() {
		if err := st.EnsureBucket(ctx, b.Name, store.VersioningState(b.InitialVersioning)); err != nil {
			return err
		}
	}
	return nil
}
