package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-soar/internal/fault"
)

func validEvent() *Event {
	return &Event{
		EventID:   uuid.New(),
		Type:      "malware.detected",
		Source:    "endpoint-agent",
		Severity:  7,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"host": "web-01"},
	}
}

func TestValidatorAcceptsValidEvent(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(validEvent()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidatorRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing type", func(e *Event) { e.Type = "" }},
		{"uppercase type", func(e *Event) { e.Type = "Malware.Detected" }},
		{"type with spaces", func(e *Event) { e.Type = "malware detected" }},
		{"severity too high", func(e *Event) { e.Severity = 11 }},
		{"severity zero", func(e *Event) { e.Severity = 0 }},
		{"missing source", func(e *Event) { e.Source = "" }},
		{"timestamp too old", func(e *Event) { e.Timestamp = time.Now().Add(-8 * 24 * time.Hour) }},
		{"timestamp in future", func(e *Event) { e.Timestamp = time.Now().Add(time.Hour) }},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)
			if err := v.Validate(e); !fault.IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestEventContext(t *testing.T) {
	e := New("auth.brute_force", "ids", 8, map[string]any{"source_ip": "10.0.0.4", "severity": 9})
	ctx := e.Context()

	if ctx["event_type"] != "auth.brute_force" {
		t.Errorf("event_type = %v", ctx["event_type"])
	}
	if ctx["source_ip"] != "10.0.0.4" {
		t.Errorf("source_ip = %v", ctx["source_ip"])
	}
	// Payload keys win over envelope fields on collision.
	if ctx["severity"] != 9 {
		t.Errorf("severity = %v, want payload value 9", ctx["severity"])
	}
}
