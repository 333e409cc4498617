// Package guard drops redelivered events during relay ingest. It keeps a
// sliding window of seen message ids in two bloom filters (current and
// previous) that rotate periodically: ids are always added to current,
// lookups check both, and rotation every half-window bounds how long an id
// stays visible. False positives drop genuine events at the configured
// rate; that trade-off is accepted for constant memory.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Guard is a sliding window duplicate detector over message ids.
//
// Typical parameters:
//   - window: 10 minutes
//   - capacity: 1,000,000 ids per window
//   - fpRate: 0.0001 (0.01%)
type Guard struct {
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	mu       sync.RWMutex
	window   time.Duration
	capacity uint
	fpRate   float64
	logger   *slog.Logger
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Guard with the given sliding window duration, expected
// capacity (ids per window) and false positive rate. A nil logger
// defaults to slog.Default().
func New(window time.Duration, capacity uint, fpRate float64, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
		window:   window,
		capacity: capacity,
		fpRate:   fpRate,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Seen reports whether the id was already observed within the window.
// Unseen ids are recorded and return false. Empty ids always return false
// and are never recorded (events without ids pass through unchanged).
//
// This method is safe for concurrent use.
func (g *Guard) Seen(id string) bool {
	if id == "" {
		return false
	}
	data := []byte(id)

	g.mu.RLock()
	if g.current.Test(data) || g.previous.Test(data) {
		g.mu.RUnlock()
		return true
	}
	g.mu.RUnlock()

	g.mu.Lock()
	// Double-check after acquiring the write lock to avoid a race where
	// another goroutine recorded the same id between RUnlock and Lock.
	if g.current.Test(data) || g.previous.Test(data) {
		g.mu.Unlock()
		return true
	}
	g.current.Add(data)
	g.mu.Unlock()

	return false
}

// Rotate swaps current to previous and creates a fresh current filter.
// Called every window/2 so every id stays visible for at least one full
// window.
func (g *Guard) Rotate() {
	g.mu.Lock()
	g.previous = g.current
	g.current = bloom.NewWithEstimates(g.capacity, g.fpRate)
	g.mu.Unlock()
}

// Window returns the configured sliding window duration.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Start launches the background goroutine that rotates the filters every
// window/2. The goroutine stops when ctx is cancelled or Stop is called.
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	rotateInterval := g.window / 2
	g.logger.Info("replay guard started",
		"window", g.window,
		"rotate_interval", rotateInterval,
	)

	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(rotateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.Rotate()
				g.logger.Debug("guard filters rotated")
			case <-ctx.Done():
				g.logger.Info("replay guard stopping (context cancelled)")
				return
			case <-g.stopCh:
				g.logger.Info("replay guard stopping (stop requested)")
				return
			}
		}
	}()
}

// Stop signals the rotation goroutine to stop and waits for it to finish.
// Stop is a no-op when the guard was never started.
func (g *Guard) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.mu.Unlock()

	close(g.stopCh)
	<-g.doneCh
}
