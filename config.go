package beacon

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultEndpoint      = "https://collector.beacon.dev/v1/batch"
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultTimeout       = 10 * time.Second
	DefaultLibraryName   = "beacon-go"
)

// Config holds the SDK configuration.
type Config struct {
	// APIKey authenticates batches against the collector. An empty key
	// puts the client in no-send mode: events queue but are never
	// flushed and never dropped. This is an explicit, observable mode,
	// not an error.
	APIKey string

	// AppName identifies the application in batch context (required)
	AppName string

	// Endpoint is the collector batch URL (default: DefaultEndpoint)
	Endpoint string

	// FlushInterval is the tick cadence driving flush decisions
	// (default: 30s)
	FlushInterval time.Duration

	// MaxRetries is the maximum number of in-request retry attempts on
	// retryable responses (default: 3)
	MaxRetries int

	// Timeout is the HTTP request timeout (default: 10s)
	Timeout time.Duration

	// LibraryName and LibraryVersion override the library metadata sent
	// in batch context (defaults: "beacon-go" and the SDK version).
	// Relays forwarding on behalf of another SDK set these.
	LibraryName    string
	LibraryVersion string

	// HTTPClient overrides the default HTTP client (optional)
	HTTPClient *http.Client

	// Transport replaces the HTTP transport entirely (optional)
	Transport Transport

	// OnOutcome is invoked after every send attempt resolves, with the
	// outcome and the attempted batch (optional)
	OnOutcome func(Outcome)
}

// validate checks that required fields are set and values are valid.
func (c *Config) validate() error {
	if c.AppName == "" {
		return errors.New("beacon: AppName is required")
	}

	// Validate endpoint when provided; an empty endpoint takes the default
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return errors.New("beacon: Endpoint must be a valid URL")
		}
	}

	// Validate flush interval
	if c.FlushInterval < 0 {
		return errors.New("beacon: FlushInterval must be non-negative")
	}

	// Validate max retries
	if c.MaxRetries < 0 {
		return errors.New("beacon: MaxRetries must be non-negative")
	}

	// Validate timeout
	if c.Timeout < 0 {
		return errors.New("beacon: Timeout must be non-negative")
	}

	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c Config) withDefaults() Config {
	cfg := c

	// Trim trailing slash from endpoint
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")

	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LibraryName == "" {
		cfg.LibraryName = DefaultLibraryName
	}
	if cfg.LibraryVersion == "" {
		cfg.LibraryVersion = Version
	}

	return cfg
}
