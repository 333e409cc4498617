package relay

import "errors"

var (
	// ErrMissingAppName is returned when no app name is configured.
	ErrMissingAppName = errors.New("app name is required")

	// ErrUnknownSource is returned when the configured source kind is not
	// recognized.
	ErrUnknownSource = errors.New("unknown source kind")

	// ErrInvalidFlushInterval is returned when the flush interval is not
	// positive.
	ErrInvalidFlushInterval = errors.New("flush interval must be positive")

	// ErrInvalidJournal is returned when the journal configuration is not
	// usable.
	ErrInvalidJournal = errors.New("invalid journal configuration")

	// ErrInvalidGuard is returned when the guard configuration is not
	// usable.
	ErrInvalidGuard = errors.New("invalid guard configuration")

	// ErrInvalidRateLimit is returned when rate limiting is enabled with
	// a non-positive rate or burst.
	ErrInvalidRateLimit = errors.New("invalid rate limit configuration")
)
