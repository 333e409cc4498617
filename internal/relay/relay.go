package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/time/rate"

	"github.com/SebastienMelki/beacon"
	"github.com/SebastienMelki/beacon/internal/archive"
	"github.com/SebastienMelki/beacon/internal/guard"
	"github.com/SebastienMelki/beacon/internal/journal"
	"github.com/SebastienMelki/beacon/internal/observability"
	"github.com/SebastienMelki/beacon/internal/source"
)

// Relay owns the ingest pipeline: events arrive from a source as raw JSON
// lines, pass the rate limiter, the decoder and the duplicate guard, are
// journaled, and are queued on a beacon client. Delivery outcomes
// checkpoint the journal and feed the archiver.
type Relay struct {
	config   Config
	client   *beacon.Client
	journal  *journal.Journal
	guard    *guard.Guard
	archiver *archive.Archiver
	metrics  *observability.Metrics
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New builds a relay from configuration: it opens the journal, creates the
// duplicate guard, sets up the archive pipeline when enabled, and starts a
// beacon client wired to them. A nil transport uses the SDK's HTTP
// transport; tests inject fakes. Metrics may be nil to disable
// instrumentation; a nil logger defaults to slog.Default().
func New(ctx context.Context, cfg Config, transport beacon.Transport, metrics *observability.Metrics, logger *slog.Logger) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	j, err := journal.Open(cfg.Journal.Path, cfg.Journal.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	r := &Relay{
		config:  cfg,
		journal: j,
		guard:   guard.New(cfg.Guard.Window, cfg.Guard.Capacity, cfg.Guard.FPRate, logger),
		metrics: metrics,
		logger:  logger.With("component", "relay"),
	}

	if cfg.RateLimit.Enabled {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.EventsPerSecond), cfg.RateLimit.BurstSize)
	}

	if cfg.Archive.Enabled {
		store, storeErr := archive.NewS3Client(ctx, cfg.Archive.S3, logger)
		if storeErr != nil {
			_ = j.Close()
			return nil, fmt.Errorf("create archive store: %w", storeErr)
		}
		if bucketErr := store.EnsureBucket(ctx); bucketErr != nil {
			_ = j.Close()
			return nil, fmt.Errorf("ensure archive bucket: %w", bucketErr)
		}
		r.archiver = archive.NewArchiver(cfg.AppName, store, cfg.Archive, metrics, logger)
	}

	clientCfg := beacon.Config{
		APIKey:         cfg.APIKey,
		AppName:        cfg.AppName,
		Endpoint:       cfg.Endpoint,
		FlushInterval:  cfg.FlushInterval,
		LibraryName:    "beacon-relay",
		LibraryVersion: beacon.Version,
		Transport:      transport,
		OnOutcome:      r.handleOutcome,
	}
	if transport == nil && metrics != nil {
		clientCfg.HTTPClient = &http.Client{
			Transport: observability.InstrumentTransport(nil, metrics),
			Timeout:   beacon.DefaultTimeout,
		}
	}

	client, err := beacon.New(clientCfg)
	if err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	r.client = client

	return r, nil
}

// Start begins background work and replays the journal into the fresh
// client. Call once, before Run.
func (r *Relay) Start(ctx context.Context) error {
	r.guard.Start(ctx)

	if r.archiver != nil {
		r.archiver.Start()
	}

	if err := r.replay(); err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	return nil
}

// Run ingests from the configured source until the context is canceled or
// the source is exhausted. The stdin source ends at EOF; the NATS source
// runs until canceled.
func (r *Relay) Run(ctx context.Context) error {
	switch r.config.Source {
	case SourceNATS:
		src, err := source.NewNATS(ctx, r.config.NATS, r.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer func() {
			if drainErr := src.Drain(); drainErr != nil {
				r.logger.Error("nats drain error", "error", drainErr)
			}
		}()
		return src.Run(ctx, r.Ingest)
	default:
		return source.NewStdin(os.Stdin, r.logger).Run(ctx, r.Ingest)
	}
}

// Ingest accepts one raw event line: rate-limit, decode and validate, drop
// redelivered duplicates, journal, then queue on the client. A non-nil
// return means the line was not accepted; the source decides whether it is
// redelivered.
func (r *Relay) Ingest(ctx context.Context, data []byte) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	line, err := source.Decode(data)
	if err != nil {
		if r.metrics != nil {
			r.metrics.EventsInvalid.Add(ctx, 1)
		}
		return err
	}

	if r.guard.Seen(line.MessageID) {
		if r.metrics != nil {
			r.metrics.EventsDuplicate.Add(ctx, 1)
		}
		r.logger.Debug("dropping duplicate event", "message_id", line.MessageID)
		return nil
	}

	if err := r.appendJournal(line); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}

	if line.Anonymous() {
		r.client.AddAnonymous(line.Message())
	} else {
		r.client.AddIdentified(line.Pending())
	}

	if r.metrics != nil {
		r.metrics.EventsIngested.Add(ctx, 1)
	}
	return nil
}

// appendJournal persists the event before it is queued. The payload is the
// serialized pending form for identified events and the finalized message
// for anonymous ones, keyed by the message id.
func (r *Relay) appendJournal(line source.Line) error {
	var payload []byte
	var err error
	if line.Anonymous() {
		payload, err = json.Marshal(line.Message())
	} else {
		payload, err = json.Marshal(line.Pending())
	}
	if err != nil {
		return err
	}

	return r.journal.Append(journal.Record{
		EventID:   line.MessageID,
		Kind:      line.Type,
		Anonymous: line.Anonymous(),
		Payload:   string(payload),
	})
}

// handleOutcome checkpoints the journal when a batch is acknowledged and
// hands the delivered batch to the archiver. Failed batches stay journaled
// and queued; the engine resends them on the next tick.
func (r *Relay) handleOutcome(o beacon.Outcome) {
	ctx := context.Background()

	switch o.Status {
	case beacon.StatusSuccess:
		ids := make([]string, 0, len(o.Messages))
		for _, m := range o.Messages {
			ids = append(ids, m.ID)
		}
		if err := r.journal.Remove(ids); err != nil {
			r.logger.Error("failed to checkpoint delivered events", "error", err, "events", len(ids))
		}

		if r.archiver != nil {
			if err := r.archiver.Enqueue(o.Messages); err != nil {
				r.logger.Warn("delivered batch not archived", "error", err, "events", len(o.Messages))
			}
		}

		if r.metrics != nil {
			r.metrics.BatchesDelivered.Add(ctx, 1)
			r.metrics.EventsDelivered.Add(ctx, int64(len(o.Messages)))
		}
		r.logger.Debug("batch delivered", "events", len(o.Messages))

	case beacon.StatusFailure:
		if r.metrics != nil {
			r.metrics.BatchesFailed.Add(ctx, 1)
			r.metrics.EventsFailed.Add(ctx, int64(len(o.Messages)))
		}
		r.logger.Warn("batch delivery failed", "error", o.Err, "events", len(o.Messages))
	}
}

// replay re-queues journaled events into the fresh client in insertion
// order. Replayed identify events re-latch the resolved identity exactly
// as live ones do, and every replayed id is recorded in the guard so a
// later source redelivery is dropped.
func (r *Relay) replay() error {
	records, err := r.journal.Replay(r.config.Journal.ReplayLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	replayed := 0
	for _, rec := range records {
		r.guard.Seen(rec.EventID)

		if rec.Anonymous {
			var m beacon.Message
			if err := json.Unmarshal([]byte(rec.Payload), &m); err != nil {
				r.logger.Warn("skipping unreadable journal row", "error", err, "event_id", rec.EventID)
				continue
			}
			m.ID = rec.EventID
			r.client.AddAnonymous(m)
		} else {
			var p beacon.Pending
			if err := json.Unmarshal([]byte(rec.Payload), &p); err != nil {
				r.logger.Warn("skipping unreadable journal row", "error", err, "event_id", rec.EventID)
				continue
			}
			p.ID = rec.EventID
			r.client.AddIdentified(p)
		}
		replayed++
	}

	if r.metrics != nil {
		r.metrics.EventsReplayed.Add(context.Background(), int64(replayed))
	}
	r.logger.Info("journal replayed", "events", replayed)
	return nil
}

// Snapshot reports the client queue depths and journal size. It backs the
// observable queue gauges.
func (r *Relay) Snapshot(ctx context.Context) (observability.QueueSnapshot, error) {
	stats := r.client.Stats()

	count, err := r.journal.Count()
	if err != nil {
		return observability.QueueSnapshot{}, err
	}

	return observability.QueueSnapshot{
		PendingIdentified: int64(stats.PendingIdentified),
		PendingAnonymous:  int64(stats.PendingAnonymous),
		InFlight:          int64(stats.InFlight),
		JournalSize:       int64(count),
	}, nil
}

// Stats returns the client's queue snapshot.
func (r *Relay) Stats() beacon.Stats {
	return r.client.Stats()
}

// Close shuts the relay down in delivery order: the client runs a final
// flush and waits for outstanding sends (their outcomes checkpoint the
// journal and feed the archiver), the archiver drains, then the guard and
// the journal stop. Errors are logged, not returned; shutdown always
// completes.
func (r *Relay) Close(ctx context.Context) {
	if err := r.client.Close(); err != nil {
		r.logger.Error("client close error", "error", err)
	}

	if r.archiver != nil {
		if err := r.archiver.Stop(ctx); err != nil {
			r.logger.Error("archiver stop error", "error", err)
		}
	}

	r.guard.Stop()

	if err := r.journal.Close(); err != nil {
		r.logger.Error("journal close error", "error", err)
	}
}
