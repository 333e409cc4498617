package beacon

import (
	"context"
	"errors"
	"sync"
	"time"
)

// closeTimeout bounds the wait for outstanding sends during Close.
const closeTimeout = 5 * time.Second

// Client is the handle for one independent batching engine. Construct as
// many as needed; clients share nothing. All methods are safe for
// concurrent use.
type Client struct {
	config    Config
	engine    *engine
	closeOnce sync.Once
	closeErr  error
}

// New creates a client with the given configuration and starts its flush
// loop. The loop's timer stays idle until the first event is added; from
// then on it ticks every FlushInterval. Call Close when done to attempt a
// final flush and stop the loop.
func New(cfg Config) (*Client, error) {
	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg = cfg.withDefaults()

	// Create transport unless one was injected
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport(cfg)
	}

	// Create the engine and start its run loop
	eng := newEngine(cfg, transport)
	eng.start()

	return &Client{
		config: cfg,
		engine: eng,
	}, nil
}

// AddIdentified files a pending identified event. The first event ever
// filed bootstraps the tick cycle; afterwards only the timer (or Flush)
// triggers flush decisions. Never fails.
func (c *Client) AddIdentified(p Pending) {
	c.engine.addIdentified(p)
}

// AddAnonymous files a finalized anonymous event. Same bootstrap rule as
// AddIdentified. Never fails.
func (c *Client) AddAnonymous(m Message) {
	c.engine.addAnonymous(m)
}

// Identify enqueues an identify event declaring the user's id and traits.
// The first identify filed while identity is unresolved latches the
// engine's resolved user id for its lifetime.
func (c *Client) Identify(userID string, traits map[string]any) error {
	if userID == "" {
		return errors.New("beacon: user id cannot be empty")
	}

	c.engine.addIdentified(NewIdentify(userID, traits))
	return nil
}

// Page enqueues an identified page-view event. It is withheld from flushes
// until an identify event resolves the user id.
func (c *Client) Page(name string, properties map[string]any) error {
	if name == "" {
		return errors.New("beacon: page name cannot be empty")
	}

	c.engine.addIdentified(NewPage(name, properties))
	return nil
}

// Track enqueues an identified track event. It is withheld from flushes
// until an identify event resolves the user id.
func (c *Client) Track(event string, properties map[string]any) error {
	if event == "" {
		return errors.New("beacon: event name cannot be empty")
	}

	c.engine.addIdentified(NewTrack(event, properties))
	return nil
}

// AnonymousPage enqueues a page-view event bound to a fresh anonymous id.
// Anonymous events flush every tick regardless of identity state.
func (c *Client) AnonymousPage(name string, properties map[string]any) error {
	if name == "" {
		return errors.New("beacon: page name cannot be empty")
	}

	c.engine.addAnonymous(NewAnonymousPage(name, properties))
	return nil
}

// AnonymousTrack enqueues a track event bound to a fresh anonymous id.
func (c *Client) AnonymousTrack(event string, properties map[string]any) error {
	if event == "" {
		return errors.New("beacon: event name cannot be empty")
	}

	c.engine.addAnonymous(NewAnonymousTrack(event, properties))
	return nil
}

// Flush runs a flush evaluation immediately, without waiting for the
// timer. The send, if any, is asynchronous; observe its result via
// LastStatus or the OnOutcome callback.
func (c *Client) Flush() {
	c.engine.tick()
}

// LastStatus reports the last known outcome of a flush attempt.
func (c *Client) LastStatus() Status {
	return c.engine.stats().LastStatus
}

// Stats returns a snapshot of engine queue state.
func (c *Client) Stats() Stats {
	return c.engine.stats()
}

// Close stops the flush loop, runs one final flush evaluation, and waits a
// bounded time for outstanding sends to resolve. Events still queued after
// Close (for example identified events whose identity never resolved) are
// lost; the engine keeps no state across restarts.
// Close is safe to call multiple times; subsequent calls are no-ops.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// Stop the timer loop
		c.engine.stop()

		// Final flush of anything still sendable
		c.engine.tick()

		// Bounded wait for in-flight sends
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		c.closeErr = c.engine.waitSends(ctx)
	})
	return c.closeErr
}
