// Package response dispatches rate-limited automated responses: ordered
// action lists bound to event patterns, guarded by a cooldown and an
// optional lifetime execution cap.
package response

import (
	"time"

	"sentinel-soar/internal/condition"
	"sentinel-soar/internal/fault"
)

// ResponseTrigger binds a response to event types. A threshold above one
// requires that many matching events inside the window before the response
// fires; the default fires on every matching event.
type ResponseTrigger struct {
	EventTypes []string      `json:"event_types" yaml:"event_types"`
	Threshold  int           `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Window     time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

// MatchesType reports whether the trigger is bound to the event type.
func (t *ResponseTrigger) MatchesType(eventType string) bool {
	for _, et := range t.EventTypes {
		if et == eventType || et == "*" {
			return true
		}
	}
	return false
}

// ResponseAction is one capability invocation in a response's ordered action
// list, with its own timeout and retry budget.
type ResponseAction struct {
	ActionType string         `json:"action_type" yaml:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries    int            `json:"retries" yaml:"retries"`
}

// AutomatedResponse binds an ordered action list to event patterns. Cooldown
// and MaxExecutions bound how often it may fire; both are enforced
// atomically at dispatch time. A firing counts as successful only when every
// action completed without error.
type AutomatedResponse struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool                  `json:"enabled" yaml:"enabled"`
	Triggers    []ResponseTrigger     `json:"triggers" yaml:"triggers"`
	Conditions  []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions     []ResponseAction      `json:"actions" yaml:"actions"`

	// Cooldown is the minimum interval between firings. Zero disables it.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// MaxExecutions caps lifetime firings. Zero means unlimited.
	MaxExecutions int64 `json:"max_executions" yaml:"max_executions"`

	ExecutionCount int64      `json:"execution_count" yaml:"-"`
	SuccessCount   int64      `json:"success_count" yaml:"-"`
	SuccessRate    float64    `json:"success_rate" yaml:"-"`
	LastExecuted   *time.Time `json:"last_executed,omitempty" yaml:"-"`
	CreatedAt      time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"-"`
}

// Validate checks the response definition.
func (r *AutomatedResponse) Validate() error {
	if r.ID == "" {
		return fault.NewValidation("response", "id is required")
	}
	if r.Name == "" {
		return fault.NewValidation("response", "name is required")
	}
	if len(r.Triggers) == 0 {
		return fault.NewValidation("response", "at least one trigger is required")
	}
	for i, t := range r.Triggers {
		if len(t.EventTypes) == 0 {
			return fault.NewValidation("response", "trigger %d: at least one event type is required", i)
		}
		if t.Threshold < 0 || t.Window < 0 {
			return fault.NewValidation("response", "trigger %d: threshold and window must be >= 0", i)
		}
		if t.Threshold > 1 && t.Window <= 0 {
			return fault.NewValidation("response", "trigger %d: a threshold needs a time window", i)
		}
	}
	if len(r.Actions) == 0 {
		return fault.NewValidation("response", "at least one action is required")
	}
	for i, a := range r.Actions {
		if a.ActionType == "" {
			return fault.NewValidation("response", "action %d: action_type is required", i)
		}
		if a.Retries < 0 || a.Timeout < 0 {
			return fault.NewValidation("response", "action %d: retries and timeout must be >= 0", i)
		}
	}
	if r.Cooldown < 0 {
		return fault.NewValidation("response", "cooldown must be >= 0")
	}
	if r.MaxExecutions < 0 {
		return fault.NewValidation("response", "max_executions must be >= 0")
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fault.NewValidation("response", "condition %d: %v", i, err)
		}
	}
	return nil
}

// TriggerFor returns the index of the first trigger bound to the event type.
func (r *AutomatedResponse) TriggerFor(eventType string) (int, bool) {
	for i := range r.Triggers {
		if r.Triggers[i].MatchesType(eventType) {
			return i, true
		}
	}
	return 0, false
}
