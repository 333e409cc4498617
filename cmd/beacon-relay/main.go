// Command beacon-relay ingests newline-delimited JSON events from stdin or
// a NATS JetStream consumer and forwards them to a collector through a
// beacon client, with durable journaling, duplicate suppression, optional
// parquet archiving, and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/SebastienMelki/beacon/internal/observability"
	"github.com/SebastienMelki/beacon/internal/relay"
)

// envPrefix is applied to every configuration variable.
const envPrefix = "BEACON_"

// shutdownTimeout bounds graceful shutdown of the relay and the metrics
// server.
const shutdownTimeout = 30 * time.Second

// Config holds all relay daemon configuration.
type Config struct {
	// LogLevel is the log level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is the log format (json, text).
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// Relay pipeline configuration.
	Relay relay.Config `envPrefix:""`
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return err
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting beacon relay",
		"log_level", cfg.LogLevel,
		"source", cfg.Relay.Source,
		"journal_path", cfg.Relay.Journal.Path,
		"archive_enabled", cfg.Relay.Archive.Enabled,
		"metrics_addr", cfg.MetricsAddr,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize observability (OTel + Prometheus)
	obs, err := observability.New("beacon-relay")
	if err != nil {
		return err
	}
	defer func() {
		if shutErr := obs.Shutdown(context.Background()); shutErr != nil {
			logger.Error("observability shutdown error", "error", shutErr)
		}
	}()

	// Create metrics instruments
	metrics, err := observability.NewMetrics(obs.Meter())
	if err != nil {
		return err
	}

	// Build the relay pipeline
	r, err := relay.New(ctx, cfg.Relay, nil, metrics, logger)
	if err != nil {
		return err
	}

	// Observe queue depth and journal size on every scrape
	if _, err := metrics.RegisterQueueGauges(obs.Meter(), r.Snapshot); err != nil {
		return err
	}

	// Start metrics and health HTTP server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", obs.MetricsHandler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		logger.Info("starting metrics server", "addr", cfg.MetricsAddr)
		if srvErr := metricsServer.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Error("metrics server error", "error", srvErr)
		}
	}()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Replay the journal and start background work
	if err := r.Start(ctx); err != nil {
		return err
	}

	// Ingest from the configured source
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- r.Run(ctx)
	}()

	logger.Info("beacon relay started")

	var fatalErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case runErr := <-runErrCh:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("source error", "error", runErr)
			fatalErr = runErr
			break
		}
		// An exhausted source (stdin EOF) leaves the relay idling so
		// queued events keep flushing until a signal arrives.
		logger.Info("source exhausted, idling until signaled")
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	r.Close(shutdownCtx)

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("beacon relay stopped")
	return fatalErr
}

// setupLogger creates a logger based on configuration.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
