// Package journal provides the relay's durable event journal.
//
// Ingested events are journaled before they are handed to the delivery
// client and removed once the collector acknowledges them, so a crash
// between ingest and delivery loses nothing: on startup the relay replays
// the journal into a fresh client. The journal uses modernc.org/sqlite
// (pure Go, no CGO) in WAL mode with a busy timeout and runs schema
// migrations on open.
package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register the pure-Go SQLite driver. This does NOT require CGO.
	_ "modernc.org/sqlite"
)

// DefaultMaxEvents bounds the journal when no explicit cap is configured.
const DefaultMaxEvents = 10000

// Record is one journaled event awaiting delivery confirmation.
type Record struct {
	// ID is the auto-incremented row identifier.
	ID int64

	// EventID is the unique per-event id used to remove the record once
	// the collector acknowledges the event.
	EventID string

	// Kind is the event type tag: identify, page or track.
	Kind string

	// Anonymous reports whether the event entered the anonymous queue.
	Anonymous bool

	// Payload is the serialized event: a queued (pre-finalization) event
	// for identified adds, a finalized message for anonymous adds.
	Payload string

	// CreatedAt is the Unix millisecond timestamp when the record was
	// appended. Zero means "now" on Append.
	CreatedAt int64
}

// Journal is a FIFO persistent event journal backed by SQLite. When the
// journal reaches maxEvents, the oldest records are evicted to make room.
type Journal struct {
	db        *sql.DB
	path      string
	maxEvents int
}

// Open opens (or creates) the journal database at path with WAL mode and
// a busy timeout, and applies pending schema migrations. maxEvents bounds
// the journal size; values <= 0 fall back to DefaultMaxEvents.
func Open(path string, maxEvents int) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path must not be empty")
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	// WAL mode for concurrent access, 5s busy timeout for lock contention.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Journal{
		db:        db,
		path:      path,
		maxEvents: maxEvents,
	}, nil
}

// Append journals one event. If the journal is at capacity, the oldest
// record(s) are evicted to make room. An already journaled event id is
// silently ignored; redeliveries are not an error.
func (j *Journal) Append(rec Record) error {
	count, err := j.Count()
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}

	if count >= j.maxEvents {
		evict := count - j.maxEvents + 1
		if err := j.evictOldest(evict); err != nil {
			return fmt.Errorf("evict oldest: %w", err)
		}
	}

	createdAt := rec.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	// INSERT OR IGNORE handles redelivered event ids gracefully.
	_, err = j.db.Exec(
		`INSERT OR IGNORE INTO journal (event_id, kind, anonymous, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.EventID, rec.Kind, rec.Anonymous, rec.Payload, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	return nil
}

// Remove deletes records by their event ids. Call this once the collector
// has acknowledged the events.
func (j *Journal) Remove(eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	// Build placeholder list for IN clause.
	placeholders := make([]string, len(eventIDs))
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM journal WHERE event_id IN (%s)", strings.Join(placeholders, ","))
	if _, err := j.db.Exec(query, args...); err != nil {
		return fmt.Errorf("remove records: %w", err)
	}

	return nil
}

// Replay returns journaled records in insertion order (oldest first).
// Records are NOT removed; call Remove after successful delivery. A limit
// <= 0 returns everything. Returns an empty slice (not nil) if the
// journal is empty.
func (j *Journal) Replay(limit int) ([]Record, error) {
	query := `SELECT id, event_id, kind, anonymous, payload, created_at
	 FROM journal
	 ORDER BY created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Kind, &rec.Anonymous, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	// Guarantee non-nil empty slice.
	if records == nil {
		records = []Record{}
	}

	return records, nil
}

// Count returns the number of records currently journaled.
func (j *Journal) Count() (int, error) {
	var count int
	if err := j.db.QueryRow("SELECT COUNT(*) FROM journal").Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// Clear removes all records from the journal.
func (j *Journal) Clear() error {
	if _, err := j.db.Exec("DELETE FROM journal"); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

// Path returns the journal database path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// evictOldest removes the n oldest records from the journal.
func (j *Journal) evictOldest(n int) error {
	_, err := j.db.Exec(
		`DELETE FROM journal WHERE id IN (
			SELECT id FROM journal ORDER BY created_at ASC, id ASC LIMIT ?
		)`,
		n,
	)
	if err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}
