package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dshills/varindex/internal/config"
	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/mcp"
	"github.com/dshills/varindex/internal/metrics"
	"github.com/dshills/varindex/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Handle version flag
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("varindex MCP Server\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
		os.Exit(0)
	}

	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout is reserved for the MCP protocol
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"version":    version,
		"build_mode": storage.BuildMode,
		"driver":     storage.DriverName,
		"backend":    cfg.Store.Backend,
	}).Info("varindex MCP server starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	opts, err := cfg.StorageOptions()
	if err != nil {
		logger.WithError(err).Fatal("Invalid store configuration")
	}
	store, err := storage.Open(ctx, opts)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}

	server, err := mcp.NewServer(ctx, cfg, store, logger, m)
	if err != nil {
		_ = store.Close()
		logger.WithError(err).Fatal("Failed to create MCP server")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("MCP server ready, listening on stdio")
		errChan <- server.Serve(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Fatal("Server error")
		}
	}

	logger.Info("Server stopped")
}

func serveMetrics(addr string, logger logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("metrics server stopped")
	}
}
