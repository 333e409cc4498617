package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments used by the relay. Instruments are
// created once at startup and shared with the pipeline, the archiver, and
// the delivery outcome handler.
type Metrics struct {
	// Ingest metrics
	EventsIngested  otelmetric.Int64Counter
	EventsDuplicate otelmetric.Int64Counter
	EventsInvalid   otelmetric.Int64Counter
	EventsReplayed  otelmetric.Int64Counter

	// Delivery metrics
	BatchesDelivered otelmetric.Int64Counter
	BatchesFailed    otelmetric.Int64Counter
	EventsDelivered  otelmetric.Int64Counter
	EventsFailed     otelmetric.Int64Counter

	// HTTP metrics for requests against the ingest endpoint
	HTTPRequestDuration otelmetric.Float64Histogram
	HTTPRequestTotal    otelmetric.Int64Counter
	HTTPRequestErrors   otelmetric.Int64Counter

	// Archive metrics
	ArchiveFilesWritten otelmetric.Int64Counter
	ArchiveFileSize     otelmetric.Int64Histogram

	// Queue gauges, observed on every scrape
	QueueDepth  otelmetric.Int64ObservableGauge
	JournalSize otelmetric.Int64ObservableGauge
}

// QueueSnapshot is one observation of the relay's buffered work: the client
// queue depths and the number of events persisted in the journal.
type QueueSnapshot struct {
	// PendingIdentified is the number of queued events that carry a user
	// identity or wait for one.
	PendingIdentified int64

	// PendingAnonymous is the number of queued anonymous events.
	PendingAnonymous int64

	// InFlight is the number of events in an unacknowledged batch.
	InFlight int64

	// JournalSize is the number of events persisted in the journal.
	JournalSize int64
}

// NewMetrics creates all metric instruments from the given Meter.
// Each instrument is created with a descriptive name, unit, and description
// following OpenTelemetry semantic conventions.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	// Ingest metrics
	m.EventsIngested, err = meter.Int64Counter(
		"events.ingested",
		otelmetric.WithDescription("Events accepted into the journal and queued for delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDuplicate, err = meter.Int64Counter(
		"events.duplicate",
		otelmetric.WithDescription("Events dropped by the duplicate guard"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsInvalid, err = meter.Int64Counter(
		"events.invalid",
		otelmetric.WithDescription("Lines rejected during decode or validation"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsReplayed, err = meter.Int64Counter(
		"events.replayed",
		otelmetric.WithDescription("Journaled events re-queued at startup"),
	)
	if err != nil {
		return nil, err
	}

	// Delivery metrics
	m.BatchesDelivered, err = meter.Int64Counter(
		"batches.delivered",
		otelmetric.WithDescription("Batches acknowledged by the ingest endpoint"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesFailed, err = meter.Int64Counter(
		"batches.failed",
		otelmetric.WithDescription("Batch deliveries that failed permanently or were retried"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDelivered, err = meter.Int64Counter(
		"events.delivered",
		otelmetric.WithDescription("Events in acknowledged batches"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsFailed, err = meter.Int64Counter(
		"events.failed",
		otelmetric.WithDescription("Events in failed batch deliveries"),
	)
	if err != nil {
		return nil, err
	}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.request.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Ingest endpoint request duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestTotal, err = meter.Int64Counter(
		"http.request.total",
		otelmetric.WithDescription("Total requests against the ingest endpoint"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestErrors, err = meter.Int64Counter(
		"http.request.errors",
		otelmetric.WithDescription("Ingest endpoint requests that failed or returned 4xx/5xx"),
	)
	if err != nil {
		return nil, err
	}

	// Archive metrics
	m.ArchiveFilesWritten, err = meter.Int64Counter(
		"archive.files.written",
		otelmetric.WithDescription("Parquet files written to the archive bucket"),
	)
	if err != nil {
		return nil, err
	}

	m.ArchiveFileSize, err = meter.Int64Histogram(
		"archive.file.size",
		otelmetric.WithUnit("By"),
		otelmetric.WithDescription("Parquet file sizes in bytes"),
	)
	if err != nil {
		return nil, err
	}

	// Queue gauges
	m.QueueDepth, err = meter.Int64ObservableGauge(
		"queue.depth",
		otelmetric.WithDescription("Events buffered in the client queues"),
	)
	if err != nil {
		return nil, err
	}

	m.JournalSize, err = meter.Int64ObservableGauge(
		"journal.size",
		otelmetric.WithDescription("Events persisted in the journal"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// RegisterQueueGauges registers a callback that observes the queue depth and
// journal size gauges on every scrape. The snapshot function is called from
// the exporter goroutine and must be safe for concurrent use. The returned
// Registration can be used to unregister the callback.
func (m *Metrics) RegisterQueueGauges(meter otelmetric.Meter, snapshot func(context.Context) (QueueSnapshot, error)) (otelmetric.Registration, error) {
	return meter.RegisterCallback(
		func(ctx context.Context, o otelmetric.Observer) error {
			s, err := snapshot(ctx)
			if err != nil {
				return err
			}

			o.ObserveInt64(m.QueueDepth, s.PendingIdentified,
				otelmetric.WithAttributes(attribute.String("queue", "pending_identified")))
			o.ObserveInt64(m.QueueDepth, s.PendingAnonymous,
				otelmetric.WithAttributes(attribute.String("queue", "pending_anonymous")))
			o.ObserveInt64(m.QueueDepth, s.InFlight,
				otelmetric.WithAttributes(attribute.String("queue", "in_flight")))
			o.ObserveInt64(m.JournalSize, s.JournalSize)

			return nil
		},
		m.QueueDepth,
		m.JournalSize,
	)
}
