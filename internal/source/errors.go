package source

import "errors"

// Sentinel errors for the source package.
var (
	ErrMalformedLine = errors.New("malformed event line")
	ErrUnknownType   = errors.New("unknown event type")
	ErrMissingUserID = errors.New("identify event missing userId")
	ErrMissingName   = errors.New("page event missing name")
	ErrMissingEvent  = errors.New("track event missing event")
)

// Permanent reports whether err is a decode or validation failure that
// redelivery cannot fix. Sources terminate such lines instead of
// requeueing them.
func Permanent(err error) bool {
	return errors.Is(err, ErrMalformedLine) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrMissingUserID) ||
		errors.Is(err, ErrMissingName) ||
		errors.Is(err, ErrMissingEvent)
}
