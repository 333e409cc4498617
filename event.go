// Package beacon provides a Go SDK for batching and delivering analytics
// events to a Beacon collector.
package beacon

import (
	"github.com/google/uuid"
)

// Version is the current version of the Beacon Go SDK.
const Version = "0.1.0"

// Event type tags carried in the wire "type" field.
const (
	TypeIdentify = "identify"
	TypePage     = "page"
	TypeTrack    = "track"
)

// Message is a finalized analytics event, ready to be included in a batch.
type Message struct {
	// ID uniquely identifies the message for delivery bookkeeping.
	// It is local to the producing process and never serialized.
	ID string `json:"-"`

	// Type is one of "identify", "page" or "track"
	Type string `json:"type"`

	// UserID binds the event to a known user (identified events)
	UserID string `json:"userId,omitempty"`

	// AnonymousID binds the event to an anonymous visitor (anonymous events)
	AnonymousID string `json:"anonymousId,omitempty"`

	// Name is the page name (page events)
	Name string `json:"name,omitempty"`

	// Event is the action name (track events)
	Event string `json:"event,omitempty"`

	// Traits contains user attributes (identify events)
	Traits map[string]any `json:"traits,omitempty"`

	// Properties contains event attributes (page and track events)
	Properties map[string]any `json:"properties,omitempty"`
}

// Identity extracts the user id an identify message declares.
// Messages of any other type, and identify messages without a user id,
// yield ok == false. Never errors on malformed input.
func (m Message) Identity() (id string, ok bool) {
	if m.Type != TypeIdentify || m.UserID == "" {
		return "", false
	}
	return m.UserID, true
}

// Pending is an identified event whose final wire form is not yet fixed
// because the acting user's id may still be unknown. It holds the raw event
// fields and is finalized exactly once into a flush batch; the struct is
// plain data so queued pending events can be inspected and serialized.
type Pending struct {
	// ID uniquely identifies the event, carried into the finalized message
	ID string `json:"id"`

	// Type is one of "identify", "page" or "track"
	Type string `json:"type"`

	// UserID is the id an identify event declares for itself.
	// Page and track events leave it empty and receive the resolved id
	// at finalization instead.
	UserID string `json:"userId,omitempty"`

	// Name is the page name (page events)
	Name string `json:"name,omitempty"`

	// Event is the action name (track events)
	Event string `json:"event,omitempty"`

	// Traits contains user attributes (identify events)
	Traits map[string]any `json:"traits,omitempty"`

	// Properties contains event attributes (page and track events)
	Properties map[string]any `json:"properties,omitempty"`
}

// Finalize resolves the pending event into its wire form. Identify events
// keep the user id they declared and ignore the argument; page and track
// events are bound to the given resolved id. Finalize is pure: calling it
// repeatedly, or with a placeholder id, has no effect on the pending event.
func (p Pending) Finalize(userID string) Message {
	msg := Message{
		ID:   p.ID,
		Type: p.Type,
	}

	switch p.Type {
	case TypeIdentify:
		msg.UserID = p.UserID
		msg.Traits = p.Traits
	case TypePage:
		msg.UserID = userID
		msg.Name = p.Name
		msg.Properties = p.Properties
	case TypeTrack:
		msg.UserID = userID
		msg.Event = p.Event
		msg.Properties = p.Properties
	}

	return msg
}

// NewIdentify creates a pending identify event carrying user traits.
// Identify events are always identity-bearing: the user id they declare is
// what resolves the engine's identity.
func NewIdentify(userID string, traits map[string]any) Pending {
	return Pending{
		ID:     uuid.New().String(),
		Type:   TypeIdentify,
		UserID: userID,
		Traits: traits,
	}
}

// NewPage creates a pending identified page-view event. The user id is
// bound at flush time, once identity has resolved.
func NewPage(name string, properties map[string]any) Pending {
	return Pending{
		ID:         uuid.New().String(),
		Type:       TypePage,
		Name:       name,
		Properties: properties,
	}
}

// NewTrack creates a pending identified track event. The user id is bound
// at flush time, once identity has resolved.
func NewTrack(event string, properties map[string]any) Pending {
	return Pending{
		ID:         uuid.New().String(),
		Type:       TypeTrack,
		Event:      event,
		Properties: properties,
	}
}

// NewAnonymousPage creates a finalized page-view event bound to a fresh
// anonymous id. Anonymous events have no identity dependency and flush on
// the regular tick cadence.
func NewAnonymousPage(name string, properties map[string]any) Message {
	return Message{
		ID:          uuid.New().String(),
		Type:        TypePage,
		AnonymousID: uuid.New().String(),
		Name:        name,
		Properties:  properties,
	}
}

// NewAnonymousTrack creates a finalized track event bound to a fresh
// anonymous id.
func NewAnonymousTrack(event string, properties map[string]any) Message {
	return Message{
		ID:          uuid.New().String(),
		Type:        TypeTrack,
		AnonymousID: uuid.New().String(),
		Event:       event,
		Properties:  properties,
	}
}

// Batch is the wire envelope for one flush attempt.
type Batch struct {
	// Messages are the finalized events in send order
	Messages []Message `json:"batch"`

	// Context carries metadata shared by every message in the batch
	Context BatchContext `json:"context"`
}

// BatchContext describes the application and SDK that produced a batch.
type BatchContext struct {
	// App is the application name from the client configuration
	App string `json:"app"`

	// Library identifies the SDK build
	Library Library `json:"library"`
}

// Library identifies the SDK that produced a batch.
type Library struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
