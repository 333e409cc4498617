package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/SebastienMelki/beacon"
)

// EventRow is the flattened per-event structure for parquet storage.
// The schema is optimized for analytics queries via Hive/Athena.
type EventRow struct {
	MessageID   string `parquet:"message_id,snappy"`
	App         string `parquet:"app,snappy,dict"`
	Type        string `parquet:"type,snappy,dict"`
	UserID      string `parquet:"user_id,snappy,optional"`
	AnonymousID string `parquet:"anonymous_id,snappy,optional"`
	Name        string `parquet:"name,snappy,optional"`
	Event       string `parquet:"event,snappy,optional"`

	// Traits or properties as JSON (queryable via json functions)
	DetailJSON string `parquet:"detail_json,snappy"`

	// DeliveredMS is when the collector acknowledged the batch
	DeliveredMS int64 `parquet:"delivered_ms"`

	// Partition columns (for Hive partitioning)
	Year  int `parquet:"year,dict"`
	Month int `parquet:"month,dict"`
	Day   int `parquet:"day,dict"`
	Hour  int `parquet:"hour,dict"`
}

// RowsFromBatch flattens a delivered batch into parquet rows, partitioned
// by the delivery timestamp (UTC).
func RowsFromBatch(app string, messages []beacon.Message, deliveredAt time.Time) []EventRow {
	deliveredAt = deliveredAt.UTC()
	rows := make([]EventRow, 0, len(messages))

	for _, m := range messages {
		row := EventRow{
			MessageID:   m.ID,
			App:         app,
			Type:        m.Type,
			UserID:      m.UserID,
			AnonymousID: m.AnonymousID,
			Name:        m.Name,
			Event:       m.Event,
			DetailJSON:  serializeDetail(m),
			DeliveredMS: deliveredAt.UnixMilli(),
			Year:        deliveredAt.Year(),
			Month:       int(deliveredAt.Month()),
			Day:         deliveredAt.Day(),
			Hour:        deliveredAt.Hour(),
		}
		rows = append(rows, row)
	}

	return rows
}

// serializeDetail renders the message's traits or properties as JSON.
func serializeDetail(m beacon.Message) string {
	var detail map[string]any
	if m.Type == beacon.TypeIdentify {
		detail = m.Traits
	} else {
		detail = m.Properties
	}
	if len(detail) == 0 {
		return "{}"
	}

	data, err := json.Marshal(detail)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParquetWriter encodes event rows into parquet files.
type ParquetWriter struct {
	config ParquetConfig
}

// NewParquetWriter creates a new parquet writer.
func NewParquetWriter(cfg ParquetConfig) *ParquetWriter {
	return &ParquetWriter{
		config: cfg,
	}
}

// Write encodes a batch of event rows and returns the file bytes.
func (w *ParquetWriter) Write(rows []EventRow) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrNoRowsToWrite
	}

	var buf bytes.Buffer

	writer := parquet.NewGenericWriter[EventRow](&buf,
		parquet.Compression(w.compressionCodec()),
		parquet.CreatedBy("beacon-relay", beacon.Version, ""),
	)

	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("failed to write rows: %w", err)
	}

	// Close writer to flush
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// compressionCodec returns the compression codec based on config.
func (w *ParquetWriter) compressionCodec() compress.Codec {
	switch w.config.Compression {
	case "snappy":
		return &parquet.Snappy
	case "gzip":
		return &parquet.Gzip
	case "zstd":
		return &parquet.Zstd
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Snappy
	}
}
