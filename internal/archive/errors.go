package archive

import "errors"

// Sentinel errors for the archive package.
var (
	ErrNoRowsToWrite = errors.New("no rows to write")
	ErrQueueFull     = errors.New("archive queue is full")
)
