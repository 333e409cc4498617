// Command beacon-send reads newline-delimited JSON events from stdin,
// queues them on a beacon client, and delivers them in one shot. The exit
// status reflects the delivery outcome.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/SebastienMelki/beacon"
	"github.com/SebastienMelki/beacon/internal/source"
)

// envPrefix is applied to every configuration variable.
const envPrefix = "BEACON_"

// Config holds beacon-send configuration.
type Config struct {
	// APIKey authenticates batches against the collector
	APIKey string `env:"API_KEY"`

	// AppName identifies the application in batch context
	AppName string `env:"APP_NAME" envDefault:"beacon-send"`

	// Endpoint is the collector batch URL; empty uses the SDK default
	Endpoint string `env:"ENDPOINT"`

	// Timeout bounds the whole run, ingest and delivery included
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// LogLevel is the log level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
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

	// Log to stderr; stdin carries the event stream
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// The run is driven by the final flush on Close, not the timer
	client, err := beacon.New(beacon.Config{
		APIKey:         cfg.APIKey,
		AppName:        cfg.AppName,
		Endpoint:       cfg.Endpoint,
		FlushInterval:  time.Hour,
		LibraryName:    "beacon-send",
		LibraryVersion: beacon.Version,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	ingested := 0
	err = source.NewStdin(os.Stdin, logger).Run(ctx, func(_ context.Context, data []byte) error {
		line, decodeErr := source.Decode(data)
		if decodeErr != nil {
			return decodeErr
		}
		if line.Anonymous() {
			client.AddAnonymous(line.Message())
		} else {
			client.AddIdentified(line.Pending())
		}
		ingested++
		return nil
	})
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	// Close runs the final flush and waits for outstanding sends
	if closeErr := client.Close(); closeErr != nil {
		logger.Error("close error", "error", closeErr)
	}

	// Anything still queued was not delivered: a failed send, a missing
	// API key, or identified events with no identity to resolve them
	stats := client.Stats()
	undelivered := stats.PendingIdentified + stats.PendingAnonymous + stats.InFlight
	if undelivered > 0 {
		return fmt.Errorf("%d of %d events not delivered (status: %s)",
			undelivered, ingested, client.LastStatus())
	}

	logger.Info("events delivered", "events", ingested, "status", client.LastStatus().String())
	return nil
}

// setupLogger creates a stderr logger at the given level.
func setupLogger(level string) *slog.Logger {
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

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
