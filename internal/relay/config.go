// Package relay feeds a beacon client from an ingest source, journaling
// events until delivery is confirmed, dropping redelivered duplicates, and
// optionally archiving delivered batches to object storage.
package relay

import (
	"fmt"
	"time"

	"github.com/SebastienMelki/beacon/internal/archive"
	"github.com/SebastienMelki/beacon/internal/source"
)

// Source kinds accepted by Config.Source.
const (
	SourceStdin = "stdin"
	SourceNATS  = "nats"
)

// Config holds all relay configuration. Values are read from environment
// variables carrying the BEACON_ prefix.
type Config struct {
	// APIKey authenticates batches against the collector. An empty key
	// runs the relay in no-send mode: events journal and queue but are
	// never flushed.
	APIKey string `env:"API_KEY"`

	// AppName identifies the application in batch context (required)
	AppName string `env:"APP_NAME"`

	// Endpoint is the collector batch URL; empty uses the SDK default
	Endpoint string `env:"ENDPOINT"`

	// FlushInterval is the client flush cadence
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"30s"`

	// Source selects the ingest source ("stdin" or "nats")
	Source string `env:"SOURCE" envDefault:"stdin"`

	// NATS is the JetStream source configuration (Source = "nats")
	NATS source.NATSConfig `envPrefix:"NATS_"`

	// Journal is the durable journal configuration
	Journal JournalConfig `envPrefix:"JOURNAL_"`

	// Guard is the duplicate guard configuration
	Guard GuardConfig `envPrefix:"GUARD_"`

	// Archive is the delivered-batch archive configuration
	Archive archive.Config `envPrefix:"ARCHIVE_"`

	// RateLimit is the ingest rate limit configuration
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

// JournalConfig holds the durable journal configuration.
type JournalConfig struct {
	// Path is the SQLite database file path
	Path string `env:"PATH" envDefault:"beacon-journal.db"`

	// MaxEvents caps the journal size; the oldest rows are evicted when
	// the cap is reached
	MaxEvents int `env:"MAX_EVENTS" envDefault:"10000"`

	// ReplayLimit caps the rows replayed at startup (0 replays all)
	ReplayLimit int `env:"REPLAY_LIMIT" envDefault:"0"`
}

// GuardConfig holds the duplicate guard configuration.
type GuardConfig struct {
	// Window is how long a message id is remembered
	Window time.Duration `env:"WINDOW" envDefault:"10m"`

	// Capacity is the expected number of events per window
	Capacity uint `env:"CAPACITY" envDefault:"1000000"`

	// FPRate is the accepted false positive rate
	FPRate float64 `env:"FP_RATE" envDefault:"0.0001"`
}

// RateLimitConfig holds ingest rate limiting configuration.
type RateLimitConfig struct {
	// Enabled indicates whether ingest rate limiting is enabled
	Enabled bool `env:"ENABLED" envDefault:"false"`

	// EventsPerSecond is the number of events allowed per second
	EventsPerSecond float64 `env:"EVENTS_PER_SECOND" envDefault:"1000"`

	// BurstSize is the maximum burst size
	BurstSize int `env:"BURST_SIZE" envDefault:"2000"`
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.AppName == "" {
		return ErrMissingAppName
	}

	switch c.Source {
	case SourceStdin, SourceNATS:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, c.Source)
	}

	if c.FlushInterval <= 0 {
		return ErrInvalidFlushInterval
	}

	if c.Journal.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidJournal)
	}
	if c.Journal.MaxEvents <= 0 {
		return fmt.Errorf("%w: max events must be positive", ErrInvalidJournal)
	}
	if c.Journal.ReplayLimit < 0 {
		return fmt.Errorf("%w: replay limit must be non-negative", ErrInvalidJournal)
	}

	if c.Guard.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidGuard)
	}
	if c.Guard.Capacity == 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidGuard)
	}
	if c.Guard.FPRate <= 0 || c.Guard.FPRate >= 1 {
		return fmt.Errorf("%w: false positive rate must be in (0, 1)", ErrInvalidGuard)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.EventsPerSecond <= 0 {
			return fmt.Errorf("%w: events per second must be positive", ErrInvalidRateLimit)
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("%w: burst size must be positive", ErrInvalidRateLimit)
		}
	}

	return nil
}
