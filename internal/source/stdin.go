package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// maxLineBytes bounds a single ingest line.
const maxLineBytes = 1024 * 1024

// Stdin reads newline-delimited JSON events from a reader, normally
// os.Stdin. EOF ends the run. Lines the handler rejects are logged and
// skipped; a byte stream has no redelivery to fall back on.
type Stdin struct {
	r      io.Reader
	logger *slog.Logger
}

// NewStdin creates a stdin source over r. A nil logger defaults to
// slog.Default().
func NewStdin(r io.Reader, logger *slog.Logger) *Stdin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdin{
		r:      r,
		logger: logger.With("component", "stdin-source"),
	}
}

// Run hands each non-empty line to handler until EOF or ctx cancellation.
func (s *Stdin) Run(ctx context.Context, handler Handler) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lines := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		lines++
		if err := handler(ctx, data); err != nil {
			s.logger.Warn("line not ingested", "line", lines, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	s.logger.Info("input exhausted", "lines", lines)
	return nil
}
