package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/SebastienMelki/beacon"
	"github.com/SebastienMelki/beacon/internal/observability"
)

// uploadTimeout bounds a single object storage upload.
const uploadTimeout = 30 * time.Second

// Store is the object storage surface the archiver writes through.
type Store interface {
	Upload(ctx context.Context, key string, data []byte) error
	GenerateKey(app string, t time.Time) string
}

// Archiver drains a bounded queue of delivered batches into object
// storage, one parquet file per batch. A single worker goroutine does the
// encoding and uploading so delivery callbacks stay fast.
type Archiver struct {
	app     string
	store   Store
	writer  *ParquetWriter
	metrics *observability.Metrics
	logger  *slog.Logger
	queue   chan []beacon.Message
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewArchiver creates an archiver for the given app. Metrics may be nil
// to disable instrumentation; a nil logger defaults to slog.Default().
func NewArchiver(app string, store Store, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Archiver{
		app:     app,
		store:   store,
		writer:  NewParquetWriter(cfg.Parquet),
		metrics: metrics,
		logger:  logger.With("component", "archiver"),
		queue:   make(chan []beacon.Message, queueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the archive worker.
func (a *Archiver) Start() {
	go a.run()
}

func (a *Archiver) run() {
	defer close(a.doneCh)
	for {
		select {
		case batch := <-a.queue:
			a.archive(batch)
		case <-a.stopCh:
			// Drain batches already queued, then exit.
			for {
				select {
				case batch := <-a.queue:
					a.archive(batch)
				default:
					return
				}
			}
		}
	}
}

// Enqueue hands a delivered batch to the worker without blocking. When
// the queue is full the batch is skipped and ErrQueueFull returned;
// delivery is never held up by the archive.
func (a *Archiver) Enqueue(messages []beacon.Message) error {
	if len(messages) == 0 {
		return nil
	}
	select {
	case a.queue <- messages:
		return nil
	default:
		return ErrQueueFull
	}
}

// archive writes one batch to object storage.
func (a *Archiver) archive(messages []beacon.Message) {
	deliveredAt := time.Now()
	rows := RowsFromBatch(a.app, messages, deliveredAt)

	data, err := a.writer.Write(rows)
	if err != nil {
		a.logger.Error("failed to encode batch", "error", err, "events", len(messages))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	key := a.store.GenerateKey(a.app, deliveredAt)
	if err := a.store.Upload(ctx, key, data); err != nil {
		a.logger.Error("failed to archive batch", "error", err, "key", key)
		return
	}

	if a.metrics != nil {
		a.metrics.ArchiveFilesWritten.Add(ctx, 1)
		a.metrics.ArchiveFileSize.Record(ctx, int64(len(data)))
	}

	a.logger.Debug("batch archived",
		"key", key,
		"events", len(messages),
		"size_bytes", len(data),
	)
}

// Stop drains queued batches and waits for the worker, bounded by ctx.
func (a *Archiver) Stop(ctx context.Context) error {
	close(a.stopCh)
	select {
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
