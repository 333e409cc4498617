package beacon

import (
	"context"
	"sync"
	"time"
)

// Status describes the last known outcome of a flush attempt.
type Status int

// Flush outcome states.
const (
	// StatusNotRequested means no send has been attempted yet.
	StatusNotRequested Status = iota

	// StatusPending means a send was issued and its outcome is unknown.
	StatusPending

	// StatusSuccess means the most recent send was acknowledged.
	StatusSuccess

	// StatusFailure means the most recent send failed; the batch is
	// retried wholesale on the next tick.
	StatusFailure
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNotRequested:
		return "not_requested"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome reports the result of one send attempt.
type Outcome struct {
	// Status is the resolved state of the attempt
	Status Status

	// Body is the collector's response payload (success only)
	Body []byte

	// Err is the transport error (failure only)
	Err error

	// Messages is the batch that was attempted, in send order
	Messages []Message
}

// Stats is a point-in-time snapshot of engine queue state.
type Stats struct {
	// PendingIdentified is the number of identified events awaiting flush
	PendingIdentified int

	// PendingAnonymous is the number of anonymous events awaiting flush
	PendingAnonymous int

	// InFlight is the size of the last attempted, unconfirmed batch
	InFlight int

	// ResolvedUserID is the latched user id, empty while unresolved
	ResolvedUserID string

	// Started reports whether the first tick has run
	Started bool

	// LastStatus is the last known flush outcome
	LastStatus Status
}

// engine is the batching state machine. Events are filed into queues by the
// add operations, a recurring timer drives flush decisions, and transport
// outcomes arrive asynchronously as status updates. All operations serialize
// on one mutex; each runs to completion before the next is admitted.
type engine struct {
	mu sync.Mutex

	// Static configuration, never mutated after construction.
	apiKey         string
	appName        string
	libraryName    string
	libraryVersion string
	interval       time.Duration

	// resolvedUserID is latched by the first identify event that declares
	// a non-empty id and is never cleared or overwritten.
	resolvedUserID string

	// started flips true on the first tick and never reverts.
	started bool

	// pendingIdentified holds events awaiting a resolved user id or the
	// next flush window, in arrival order.
	pendingIdentified []Pending

	// pendingAnonymous holds finalized events with no identity
	// dependency, in arrival order.
	pendingAnonymous []Message

	// inFlight is the most recently attempted batch. Non-empty means the
	// batch is unconfirmed: it is resent in full on every tick until a
	// success outcome clears it.
	inFlight []Message

	lastStatus Status

	transport Transport
	onOutcome func(Outcome)

	// timer drives the tick cadence. It is created stopped and armed by
	// the bootstrap tick of the first add; every tick re-arms it.
	timer  *time.Timer
	stopCh chan struct{}
	doneCh chan struct{}
	sends  sync.WaitGroup
}

// newEngine creates an engine from a validated, defaulted configuration.
// The run loop is not started; call start.
func newEngine(cfg Config, transport Transport) *engine {
	timer := time.NewTimer(cfg.FlushInterval)
	timer.Stop()

	return &engine{
		apiKey:         cfg.APIKey,
		appName:        cfg.AppName,
		libraryName:    cfg.LibraryName,
		libraryVersion: cfg.LibraryVersion,
		interval:       cfg.FlushInterval,
		transport:      transport,
		onOutcome:      cfg.OnOutcome,
		timer:          timer,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// start launches the run loop goroutine.
func (e *engine) start() {
	go e.run()
}

// run waits for timer ticks until stopped. The timer stays silent until the
// first add arms it.
func (e *engine) run() {
	defer close(e.doneCh)

	for {
		select {
		case <-e.timer.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

// addIdentified files a pending identified event. While identity is
// unresolved, the event is probe-finalized against a placeholder id and the
// identity decoder runs on the result; a non-empty decoded id latches
// resolvedUserID. The probe result is discarded, never stored. The first
// event ever filed bootstraps the tick cycle synchronously. Never fails.
func (e *engine) addIdentified(p Pending) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resolvedUserID == "" {
		if id, ok := p.Finalize("").Identity(); ok {
			e.resolvedUserID = id
		}
	}

	e.pendingIdentified = append(e.pendingIdentified, p)

	if !e.started {
		e.tickLocked()
	}
}

// addAnonymous files a finalized anonymous event. Same bootstrap rule as
// addIdentified. Never fails.
func (e *engine) addAnonymous(m Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pendingAnonymous = append(e.pendingAnonymous, m)

	if !e.started {
		e.tickLocked()
	}
}

// tick runs one flush evaluation. The timer loop calls it on schedule;
// Flush calls it out of schedule with identical effect.
func (e *engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tickLocked()
}

// tickLocked is the tick transition. Steps, in order: re-arm the timer,
// decide whether identified events can flush, build the candidate batch,
// send it if the API key permits, mark the engine started.
func (e *engine) tickLocked() {
	// Once ticking, the engine never stops on its own.
	e.timer.Reset(e.interval)

	canFlushIdentified := len(e.pendingIdentified) > 0 && e.resolvedUserID != ""

	// Candidate batch: any unconfirmed previous attempt first, then
	// finalized identified events, then anonymous events.
	batch := make([]Message, 0, len(e.inFlight)+len(e.pendingIdentified)+len(e.pendingAnonymous))
	batch = append(batch, e.inFlight...)
	if canFlushIdentified {
		for _, p := range e.pendingIdentified {
			batch = append(batch, p.Finalize(e.resolvedUserID))
		}
	}
	batch = append(batch, e.pendingAnonymous...)

	// An empty API key disables sending entirely: queues keep growing and
	// are never cleared. This is an observable mode, not a failure.
	if e.apiKey != "" {
		switch {
		case canFlushIdentified:
			e.pendingIdentified = nil
			e.pendingAnonymous = nil
			e.inFlight = batch
			e.sendLocked(batch)
		case len(e.pendingAnonymous) > 0:
			// Identified events stay queued until identity resolves;
			// anonymous events are time-boxed and go out every tick.
			e.pendingAnonymous = nil
			e.inFlight = batch
			e.sendLocked(batch)
		}
	}

	e.started = true
}

// sendLocked issues an asynchronous send of the batch. The engine does not
// block on the outcome; it arrives later as an updateStatus command. A
// response landing after the next tick has already resent the batch means
// the collector can receive duplicates: delivery is at-least-once.
func (e *engine) sendLocked(batch []Message) {
	e.lastStatus = StatusPending
	e.sends.Add(1)
	go e.deliver(batch)
}

// deliver performs the transport call and reports the outcome.
func (e *engine) deliver(batch []Message) {
	defer e.sends.Done()

	payload := Batch{
		Messages: batch,
		Context: BatchContext{
			App: e.appName,
			Library: Library{
				Name:    e.libraryName,
				Version: e.libraryVersion,
			},
		},
	}

	body, err := e.transport.Send(context.Background(), payload)
	if err != nil {
		e.updateStatus(Outcome{Status: StatusFailure, Err: err, Messages: batch})
		return
	}

	e.updateStatus(Outcome{Status: StatusSuccess, Body: body, Messages: batch})
}

// updateStatus records a send outcome. Success clears the in-flight batch:
// it is acknowledged delivered and never resent. Any other outcome leaves
// the batch in place so the next tick retries it wholesale.
func (e *engine) updateStatus(o Outcome) {
	e.mu.Lock()
	e.lastStatus = o.Status
	if o.Status == StatusSuccess {
		e.inFlight = nil
	}
	cb := e.onOutcome
	e.mu.Unlock()

	if cb != nil {
		cb(o)
	}
}

// stats returns a snapshot of queue state.
func (e *engine) stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		PendingIdentified: len(e.pendingIdentified),
		PendingAnonymous:  len(e.pendingAnonymous),
		InFlight:          len(e.inFlight),
		ResolvedUserID:    e.resolvedUserID,
		Started:           e.started,
		LastStatus:        e.lastStatus,
	}
}

// stop halts the run loop and the timer. Queued events are left in place;
// callers wanting a last flush attempt run tick after stopping.
func (e *engine) stop() {
	close(e.stopCh)
	<-e.doneCh
	e.timer.Stop()
}

// waitSends blocks until all outstanding send goroutines have resolved or
// the context expires.
func (e *engine) waitSends(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.sends.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
