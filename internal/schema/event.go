// Package schema defines the canonical security event envelope accepted by
// the trigger router. All submitted events are normalized to this structure.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a security event flowing into the orchestration core.
type Event struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Type      string    `json:"type" validate:"required,event_format"`
	Source    string    `json:"source" validate:"required,max=256"`
	Severity  int       `json:"severity" validate:"required,min=1,max=10"`
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// Optional payload consumed by trigger conditions and variable binding.
	Data map[string]any `json:"data,omitempty"`

	// Internal fields (set by the router)
	ReceivedAt time.Time `json:"received_at"`
	Synthetic  bool      `json:"synthetic,omitempty"`
}

// New builds an event with a fresh id and current timestamps.
func New(eventType, source string, severity int, data map[string]any) *Event {
	now := time.Now().UTC()
	return &Event{
		EventID:   uuid.New(),
		Type:      eventType,
		Source:    source,
		Severity:  severity,
		Timestamp: now,
		Data:      data,
	}
}

// Context flattens the event into a map for condition evaluation. Top-level
// envelope fields are exposed alongside the data payload; payload keys win
// on collision so evaluators see what the producer sent.
func (e *Event) Context() map[string]any {
	ctx := map[string]any{
		"event_type": e.Type,
		"source":     e.Source,
		"severity":   e.Severity,
	}
	for k, v := range e.Data {
		ctx[k] = v
	}
	return ctx
}
