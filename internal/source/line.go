// Package source ingests newline-delimited JSON events for the relay,
// either from a reader (stdin) or from a NATS JetStream consumer. Both
// sources deliver raw line bytes to a Handler; decoding and routing live
// in Line so the pipeline treats every source the same.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/SebastienMelki/beacon"
)

// Handler consumes one raw ingest line. A nil return acknowledges the
// line; Permanent errors mark it as poison (never redelivered); any other
// error leaves it eligible for redelivery where the source supports it.
type Handler func(ctx context.Context, data []byte) error

// Line is one ingested event in its wire form, plus an optional messageId
// used for journaling and duplicate detection. Lines without a messageId
// get a fresh id at decode time, so the replay guard only recognizes
// redeliveries when the producer supplies stable ids.
//
// A userId on page or track lines is ignored: identified events are bound
// to the relay's resolved identity at flush time, exactly as events
// tracked directly through the client are.
type Line struct {
	MessageID   string         `json:"messageId,omitempty"`
	Type        string         `json:"type"`
	UserID      string         `json:"userId,omitempty"`
	AnonymousID string         `json:"anonymousId,omitempty"`
	Name        string         `json:"name,omitempty"`
	Event       string         `json:"event,omitempty"`
	Traits      map[string]any `json:"traits,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Decode parses and validates one ingest line, assigning a fresh message
// id when the producer omitted one.
func Decode(data []byte) (Line, error) {
	var line Line
	if err := json.Unmarshal(data, &line); err != nil {
		return Line{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if err := line.Validate(); err != nil {
		return Line{}, err
	}
	if line.MessageID == "" {
		line.MessageID = uuid.New().String()
	}
	return line, nil
}

// Validate checks the line carries the fields its type requires.
func (l Line) Validate() error {
	switch l.Type {
	case beacon.TypeIdentify:
		if l.UserID == "" {
			return ErrMissingUserID
		}
	case beacon.TypePage:
		if l.Name == "" {
			return ErrMissingName
		}
	case beacon.TypeTrack:
		if l.Event == "" {
			return ErrMissingEvent
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, l.Type)
	}
	return nil
}

// Anonymous reports whether the line routes to the anonymous queue:
// page and track lines that carry an anonymousId. Identify lines are
// always identified.
func (l Line) Anonymous() bool {
	return l.Type != beacon.TypeIdentify && l.AnonymousID != ""
}

// Pending converts an identified line into a queued event. The caller
// must have validated the line.
func (l Line) Pending() beacon.Pending {
	p := beacon.Pending{ID: l.MessageID, Type: l.Type}
	switch l.Type {
	case beacon.TypeIdentify:
		p.UserID = l.UserID
		p.Traits = l.Traits
	case beacon.TypePage:
		p.Name = l.Name
		p.Properties = l.Properties
	case beacon.TypeTrack:
		p.Event = l.Event
		p.Properties = l.Properties
	}
	return p
}

// Message converts an anonymous line into a finalized message.
func (l Line) Message() beacon.Message {
	m := beacon.Message{ID: l.MessageID, Type: l.Type, AnonymousID: l.AnonymousID}
	switch l.Type {
	case beacon.TypePage:
		m.Name = l.Name
		m.Properties = l.Properties
	case beacon.TypeTrack:
		m.Event = l.Event
		m.Properties = l.Properties
	}
	return m
}
