// Package beacon tests the batching engine state machine.
package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scripted Transport for engine tests. Every Send
// notifies sentCh with the batch before resolving; when gate is non-nil the
// outcome additionally waits until the test supplies one, letting a test
// hold a send in flight while the engine keeps working. Without a gate,
// outcomes come from errs in call order and default to success.
type fakeTransport struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	sentCh chan Batch
	gate   chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan Batch, 16)}
}

func (f *fakeTransport) Send(_ context.Context, b Batch) ([]byte, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	var err error
	if call < len(f.errs) {
		err = f.errs[call]
	}
	gate := f.gate
	f.mu.Unlock()

	f.sentCh <- b
	if gate != nil {
		err = <-gate
	}

	if err != nil {
		return nil, err
	}
	return []byte(`{"accepted":true}`), nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newTestEngine builds an engine whose timer never fires on its own; tests
// drive ticks explicitly. The run loop is not started.
func newTestEngine(apiKey string, transport Transport, onOutcome func(Outcome)) *engine {
	cfg := Config{
		APIKey:        apiKey,
		AppName:       "test-app",
		FlushInterval: time.Hour,
		OnOutcome:     onOutcome,
	}
	return newEngine(cfg.withDefaults(), transport)
}

// outcomeRecorder returns an OnOutcome callback and the channel it feeds.
func outcomeRecorder() (func(Outcome), chan Outcome) {
	ch := make(chan Outcome, 16)
	return func(o Outcome) { ch <- o }, ch
}

// waitBatch receives the next sent batch or fails the test.
func waitBatch(t *testing.T, ft *fakeTransport) Batch {
	t.Helper()
	select {
	case b := <-ft.sentCh:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return Batch{}
	}
}

// waitOutcome receives the next resolved outcome or fails the test.
func waitOutcome(t *testing.T, outcomes chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outcome")
		return Outcome{}
	}
}

// assertNoSend fails the test if a send arrives within a short window.
func assertNoSend(t *testing.T, ft *fakeTransport) {
	t.Helper()
	select {
	case b := <-ft.sentCh:
		t.Fatalf("unexpected send of %d messages", len(b.Messages))
	case <-time.After(50 * time.Millisecond):
	}
}

// TestEngine_FirstEventBootstrapsFlush verifies the first add runs a tick
// synchronously: an identify event resolves identity and goes out alone.
func TestEngine_FirstEventBootstrapsFlush(t *testing.T) {
	ft := newFakeTransport()
	eng := newTestEngine("key", ft, nil)

	eng.addIdentified(NewIdentify("u1", map[string]any{"plan": "pro"}))

	b := waitBatch(t, ft)
	if len(b.Messages) != 1 {
		t.Fatalf("first flush sent %d messages, want 1", len(b.Messages))
	}

	msg := b.Messages[0]
	if msg.Type != TypeIdentify || msg.UserID != "u1" {
		t.Errorf("sent message = %+v, want identify for u1", msg)
	}
	if msg.Traits["plan"] != "pro" {
		t.Errorf("traits not carried: %+v", msg.Traits)
	}

	st := eng.stats()
	if st.ResolvedUserID != "u1" {
		t.Errorf("ResolvedUserID = %q, want %q", st.ResolvedUserID, "u1")
	}
	if !st.Started {
		t.Error("engine should be started after the bootstrap tick")
	}
	if st.PendingIdentified != 0 || st.PendingAnonymous != 0 {
		t.Errorf("queues should be drained into the batch, got %+v", st)
	}
}

// TestEngine_BatchContext verifies the envelope metadata.
func TestEngine_BatchContext(t *testing.T) {
	ft := newFakeTransport()
	eng := newTestEngine("key", ft, nil)

	eng.addAnonymous(NewAnonymousPage("home", nil))

	b := waitBatch(t, ft)
	if b.Context.App != "test-app" {
		t.Errorf("Context.App = %q, want %q", b.Context.App, "test-app")
	}
	if b.Context.Library.Name != DefaultLibraryName {
		t.Errorf("Context.Library.Name = %q, want %q", b.Context.Library.Name, DefaultLibraryName)
	}
	if b.Context.Library.Version != Version {
		t.Errorf("Context.Library.Version = %q, want %q", b.Context.Library.Version, Version)
	}
}

// TestEngine_IdentityLatch verifies the resolved user id is set once and
// never overwritten by later identify events.
func TestEngine_IdentityLatch(t *testing.T) {
	ft := newFakeTransport()
	onOutcome, outcomes := outcomeRecorder()
	eng := newTestEngine("key", ft, onOutcome)

	eng.addIdentified(NewIdentify("u1", nil))
	waitBatch(t, ft)
	waitOutcome(t, outcomes)

	eng.addIdentified(NewIdentify("u2", nil))
	if got := eng.stats().ResolvedUserID; got != "u1" {
		t.Errorf("ResolvedUserID = %q, want latched %q", got, "u1")
	}

	// The later identify still flushes, keeping the id it declared.
	eng.tick()
	b := waitBatch(t, ft)
	if len(b.Messages) != 1 || b.Messages[0].UserID != "u2" {
		t.Errorf("second flush = %+v, want identify keeping u2", b.Messages)
	}
	waitOutcome(t, outcomes)
}

// TestEngine_AnonymousFlushCadence verifies a queued anonymous event is
// included in the very next tick's batch, unconditionally.
func TestEngine_AnonymousFlushCadence(t *testing.T) {
	ft := newFakeTransport()
	onOutcome, outcomes := outcomeRecorder()
	eng := newTestEngine("key", ft, onOutcome)

	eng.addAnonymous(NewAnonymousPage("home", nil))

	b := waitBatch(t, ft)
	if len(b.Messages) != 1 || b.Messages[0].AnonymousID == "" {
		t.Fatalf("bootstrap flush = %+v, want one anonymous message", b.Messages)
	}
	waitOutcome(t, outcomes)

	eng.addAnonymous(NewAnonymousTrack("clicked", nil))
	eng.tick()

	b = waitBatch(t, ft)
	if len(b.Messages) != 1 || b.Messages[0].Event != "clicked" {
		t.Errorf("next tick flush = %+v, want the queued anonymous event", b.Messages)
	}
	waitOutcome(t, outcomes)
}

// TestEngine_IdentifiedWithholding verifies identified events never appear
// in a sent batch while identity is unresolved, however many ticks elapse.
func TestEngine_IdentifiedWithholding(t *testing.T) {
	ft := newFakeTransport()
	onOutcome, outcomes := outcomeRecorder()
	eng := newTestEngine("key", ft, onOutcome)

	eng.addIdentified(NewPage("pricing", nil))
	eng.tick()
	eng.tick()
	eng.tick()

	assertNoSend(t, ft)
	if got := eng.stats().PendingIdentified; got != 1 {
		t.Errorf("PendingIdentified = %d, want 1 (withheld)", got)
	}

	// Anonymous traffic still flushes around the withheld events.
	eng.addAnonymous(NewAnonymousPage("home", nil))
	eng.tick()

	b := waitBatch(t, ft)
	if len(b.Messages) != 1 || b.Messages[0].AnonymousID == "" {
		t.Fatalf("flush with unresolved identity = %+v, want only the anonymous event", b.Messages)
	}
	if got := eng.stats().PendingIdentified; got != 1 {
		t.Errorf("PendingIdentified = %d, want 1 (still withheld)", got)
	}
	waitOutcome(t, outcomes)
}

// TestEngine_RetryResendsSameBatch verifies a failed batch reappears
// byte-for-byte in the next tick's send, merged with newly queued
// anonymous events.
func TestEngine_RetryResendsSameBatch(t *testing.T) {
	ft := newFakeTransport()
	ft.errs = []error{errors.New("connection reset")}
	onOutcome, outcomes := outcomeRecorder()
	eng := newTestEngine("key", ft, onOutcome)

	eng.addAnonymous(NewAnonymousTrack("signup", map[string]any{"step": 1}))

	first := waitBatch(t, ft)
	o := waitOutcome(t, outcomes)
	if o.Status != StatusFailure {
		t.Fatalf("outcome = %v, want failure", o.Status)
	}

	st := eng.stats()
	if st.LastStatus != StatusFailure {
		t.Errorf("LastStatus = %v, want failure", st.LastStatus)
	}
	if st.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1 (kept for retry)", st.InFlight)
	}

	eng.addAnonymous(NewAnonymousTrack("verified", nil))
	eng.tick()

	second := waitBatch(t, ft)
	if len(second.Messages) != 2 {
		t.Fatalf("retry flush sent %d messages, want 2", len(second.Messages))
	}

	// The unacknowledged batch is carried verbatim ahead of new events.
	carried, _ := json.Marshal(second.Messages[0])
	original, _ := json.Marshal(first.Messages[0])
	if !bytes.Equal(carried, original) {
		t.Errorf("carried message %s differs from original %s", carried, original)
	}
	if second.Messages[1].Event != "verified" {
		t.Errorf("new event not merged after carried batch: %+v", second.Messages[1])
	}
	waitOutcome(t, outcomes)
}

// TestEngine_SuccessClearsOnlyAcknowledgedBatch verifies events added while
// a send is in flight survive the success and flush on the following tick.
func TestEngine_SuccessClearsOnlyAcknowledgedBatch(t *testing.T) {
	ft := newFakeTransport()
	ft.gate = make(chan error)
	onOutcome, outcomes := outcomeRecorder()
	eng := newTestEngine("key", ft, onOutcome)

	eng.addAnonymous(NewAnonymousPage("home", nil))
	waitBatch(t, ft)

	// Arrives while the first batch is in flight.
	eng.addAnonymous(NewAnonymousPage("docs", nil))

	ft.gate <- nil
	if o := waitOutcome(t, outcomes); o.Status != StatusSuccess {
		t.Fatalf("outcome = %v, want success", o.Status)
	}

	st := eng.stats()
	if st.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0 after success", st.InFlight)
	}
	if st.PendingAnonymous != 1 {
		t.Errorf("PendingAnonymous = %d, want 1 (added during flight)", st.PendingAnonymous)
	}

	// The later event appears only in the following flush.
	eng.tick()
	b := waitBatch(t, ft)
	if len(b.Messages) != 1 || b.Messages[0].Name != "docs" {
		t.Errorf("following flush = %+v, want only the later event", b.Messages)
	}

	ft.gate <- nil
	waitOutcome(t, outcomes)
}

// TestEngine_EmptyAPIKeyNeverSends verifies the explicit no-send mode:
// queues grow and are never cleared, and no send ever happens.
func TestEngine_EmptyAPIKeyNeverSends(t *testing.T) {
	ft := newFakeTransport()
	eng := newTestEngine("", ft, nil)

	eng.addAnonymous(NewAnonymousPage("home", nil))

	for tick := 1; tick <= 3; tick++ {
		if tick > 1 {
			eng.tick()
		}
		if got := eng.stats().PendingAnonymous; got != 1 {
			t.Errorf("after tick %d: PendingAnonymous = %d, want 1", tick, got)
		}
	}

	if got := ft.sendCount(); got != 0 {
		t.Errorf("sendCount = %d, want 0", got)
	}

	st := eng.stats()
	if st.LastStatus != StatusNotRequested {
		t.Errorf("LastStatus = %v, want not_requested", st.LastStatus)
	}
	if !st.Started {
		t.Error("engine should still mark itself started")
	}
}

// TestEngine_AnonymousBeforeIdentify verifies anonymous traffic flushes
// while identified events wait, then identified events flush once an
// identify resolves the user id.
func TestEngine_AnonymousBeforeIdentify(t *testing.T) {
	ft := newFakeTransport()
	onOutcome, outcomes := outcomeRecorder()
	eng := newTestEngine("key", ft, onOutcome)

	eng.addIdentified(NewTrack("viewed_pricing", nil))
	eng.addAnonymous(NewAnonymousTrack("landed", nil))
	eng.tick()

	b := waitBatch(t, ft)
	if len(b.Messages) != 1 || b.Messages[0].Event != "landed" || b.Messages[0].AnonymousID == "" {
		t.Fatalf("flush before identify = %+v, want only the anonymous event", b.Messages)
	}
	waitOutcome(t, outcomes)

	// Identity resolves; the withheld events flush bound to it.
	eng.addIdentified(NewIdentify("u42", nil))
	eng.tick()

	b = waitBatch(t, ft)
	if len(b.Messages) != 2 {
		t.Fatalf("flush after identify sent %d messages, want 2", len(b.Messages))
	}
	if b.Messages[0].Type != TypeTrack || b.Messages[0].Event != "viewed_pricing" {
		t.Errorf("first message = %+v, want the withheld track event", b.Messages[0])
	}
	if b.Messages[1].Type != TypeIdentify {
		t.Errorf("second message = %+v, want the identify event", b.Messages[1])
	}
	for i, m := range b.Messages {
		if m.UserID != "u42" {
			t.Errorf("message %d bound to %q, want %q", i, m.UserID, "u42")
		}
	}
	waitOutcome(t, outcomes)
}

// TestEngine_UnresolvedSendKeepsResending verifies a send whose outcome
// never arrives is resent wholesale on every tick. The collector can
// receive the same events repeatedly; at-least-once is the contract.
func TestEngine_UnresolvedSendKeepsResending(t *testing.T) {
	ft := newFakeTransport()
	ft.gate = make(chan error)
	eng := newTestEngine("key", ft, nil)

	eng.addAnonymous(NewAnonymousPage("home", nil))
	first := waitBatch(t, ft)

	if got := eng.stats().LastStatus; got != StatusPending {
		t.Errorf("LastStatus = %v, want pending while in flight", got)
	}

	eng.tick()
	second := waitBatch(t, ft)
	eng.tick()
	third := waitBatch(t, ft)

	for i, b := range []Batch{second, third} {
		if len(b.Messages) != 1 || b.Messages[0].ID != first.Messages[0].ID {
			t.Errorf("resend %d = %+v, want the original batch unchanged", i+1, b.Messages)
		}
	}

	// Unblock the stuck deliveries and let them resolve.
	for range 3 {
		ft.gate <- nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.waitSends(ctx); err != nil {
		t.Fatalf("sends did not resolve: %v", err)
	}
}

// TestEngine_SecondAddDoesNotFlush verifies only the first add bootstraps;
// afterwards the timer (or an explicit flush) owns the cadence.
func TestEngine_SecondAddDoesNotFlush(t *testing.T) {
	ft := newFakeTransport()
	onOutcome, outcomes := outcomeRecorder()
	eng := newTestEngine("key", ft, onOutcome)

	eng.addAnonymous(NewAnonymousPage("one", nil))
	waitBatch(t, ft)
	waitOutcome(t, outcomes)

	eng.addAnonymous(NewAnonymousPage("two", nil))

	assertNoSend(t, ft)
	if got := eng.stats().PendingAnonymous; got != 1 {
		t.Errorf("PendingAnonymous = %d, want 1 (awaiting next tick)", got)
	}
}

// TestEngine_FlushLoop verifies the timer drives flushes once the first
// event arms it, and that stop halts the cadence.
func TestEngine_FlushLoop(t *testing.T) {
	ft := newFakeTransport()
	cfg := Config{
		APIKey:        "key",
		AppName:       "test-app",
		FlushInterval: 20 * time.Millisecond,
	}
	eng := newEngine(cfg.withDefaults(), ft)
	eng.start()

	eng.addAnonymous(NewAnonymousPage("home", nil))
	waitBatch(t, ft)

	// The next flush arrives without any manual tick.
	eng.addAnonymous(NewAnonymousPage("docs", nil))
	waitBatch(t, ft)

	eng.stop()

	// After stop, queued events sit untouched.
	eng.addAnonymous(NewAnonymousPage("late", nil))
	assertNoSend(t, ft)
}
