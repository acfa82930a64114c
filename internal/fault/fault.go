// Package fault defines the error taxonomy shared across the orchestration core.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is returned when the execution queue rejects an enqueue.
	ErrBackpressure = errors.New("execution queue is full")
)

// ValidationError indicates a malformed definition rejected at create time.
type ValidationError struct {
	Entity string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("validation failed: %s", e.Detail)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Entity, e.Detail)
}

// NewValidation creates a ValidationError for the given entity.
func NewValidation(entity, format string, args ...any) error {
	return &ValidationError{Entity: entity, Detail: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CapabilityError indicates an injected capability failed or timed out.
// It is isolated to the step, rule, check, or action that invoked the
// capability and never propagates to sibling units in the same tick.
type CapabilityError struct {
	Capability string
	Timeout    bool
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("capability %s timed out: %v", e.Capability, e.Err)
	}
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// NewCapability wraps a capability failure.
func NewCapability(capability string, err error) error {
	return &CapabilityError{Capability: capability, Err: err}
}

// NewTimeout wraps a capability failure caused by exceeding its timeout.
func NewTimeout(capability string, err error) error {
	return &CapabilityError{Capability: capability, Timeout: true, Err: err}
}

// IsTimeout reports whether err carries a timeout marker.
func IsTimeout(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce) && ce.Timeout
}

// IsCapability reports whether err is a CapabilityError.
func IsCapability(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}

// NotFoundError indicates an unknown entity id in an operator call.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFound creates a NotFoundError.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
