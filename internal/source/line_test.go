package source

import (
	"errors"
	"testing"

	"github.com/SebastienMelki/beacon"
)

func TestDecode_Identify(t *testing.T) {
	line, err := Decode([]byte(`{"type":"identify","userId":"u1","traits":{"plan":"pro"},"messageId":"m-1"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if line.Type != beacon.TypeIdentify || line.UserID != "u1" {
		t.Errorf("line = %+v", line)
	}
	if line.MessageID != "m-1" {
		t.Errorf("MessageID = %q, want m-1", line.MessageID)
	}
	if line.Traits["plan"] != "pro" {
		t.Errorf("traits not decoded: %+v", line.Traits)
	}
	if line.Anonymous() {
		t.Error("identify lines are never anonymous")
	}
}

func TestDecode_AssignsMessageID(t *testing.T) {
	line, err := Decode([]byte(`{"type":"track","event":"signed_up"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if line.MessageID == "" {
		t.Error("expected a fresh message id when the producer omitted one")
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if !errors.Is(err, ErrMalformedLine) {
		t.Errorf("error = %v, want ErrMalformedLine", err)
	}
	if !Permanent(err) {
		t.Error("malformed lines are permanent failures")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		line    Line
		wantErr error
	}{
		{
			name: "valid identify",
			line: Line{Type: "identify", UserID: "u1"},
		},
		{
			name: "valid page",
			line: Line{Type: "page", Name: "home"},
		},
		{
			name: "valid track",
			line: Line{Type: "track", Event: "clicked"},
		},
		{
			name:    "identify missing userId",
			line:    Line{Type: "identify"},
			wantErr: ErrMissingUserID,
		},
		{
			name:    "page missing name",
			line:    Line{Type: "page"},
			wantErr: ErrMissingName,
		},
		{
			name:    "track missing event",
			line:    Line{Type: "track"},
			wantErr: ErrMissingEvent,
		},
		{
			name:    "unknown type",
			line:    Line{Type: "pageview"},
			wantErr: ErrUnknownType,
		},
		{
			name:    "empty type",
			line:    Line{},
			wantErr: ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.line.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
			if !Permanent(err) {
				t.Error("validation failures are permanent")
			}
		})
	}
}

func TestAnonymous_Routing(t *testing.T) {
	tests := []struct {
		name string
		line Line
		want bool
	}{
		{name: "track with anonymousId", line: Line{Type: "track", Event: "e", AnonymousID: "a1"}, want: true},
		{name: "page with anonymousId", line: Line{Type: "page", Name: "n", AnonymousID: "a1"}, want: true},
		{name: "track without anonymousId", line: Line{Type: "track", Event: "e"}, want: false},
		{name: "identify with anonymousId", line: Line{Type: "identify", UserID: "u", AnonymousID: "a1"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.line.Anonymous(); got != tt.want {
				t.Errorf("Anonymous() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPending_Conversion(t *testing.T) {
	line := Line{
		MessageID:  "m-7",
		Type:       "track",
		Event:      "signed_up",
		Properties: map[string]any{"plan": "pro"},
	}

	p := line.Pending()
	if p.ID != "m-7" || p.Type != beacon.TypeTrack || p.Event != "signed_up" {
		t.Errorf("Pending() = %+v", p)
	}

	m := p.Finalize("u1")
	if m.UserID != "u1" || m.Event != "signed_up" || m.Properties["plan"] != "pro" {
		t.Errorf("finalized = %+v", m)
	}
}

func TestPending_IdentifyKeepsDeclaredID(t *testing.T) {
	line := Line{MessageID: "m-8", Type: "identify", UserID: "u-declared", Traits: map[string]any{"a": 1}}

	p := line.Pending()
	m := p.Finalize("someone-else")
	if m.UserID != "u-declared" {
		t.Errorf("UserID = %q, want the declared id", m.UserID)
	}
	if id, ok := m.Identity(); !ok || id != "u-declared" {
		t.Errorf("Identity() = (%q, %v)", id, ok)
	}
}

func TestMessage_Conversion(t *testing.T) {
	line := Line{
		MessageID:   "m-9",
		Type:        "page",
		Name:        "pricing",
		AnonymousID: "anon-1",
		Properties:  map[string]any{"referrer": "x"},
	}

	m := line.Message()
	if m.ID != "m-9" || m.Type != beacon.TypePage || m.Name != "pricing" {
		t.Errorf("Message() = %+v", m)
	}
	if m.AnonymousID != "anon-1" {
		t.Errorf("AnonymousID = %q", m.AnonymousID)
	}
	if m.UserID != "" {
		t.Errorf("anonymous message must not carry a user id, got %q", m.UserID)
	}
}
