package schema

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"sentinel-soar/internal/fault"
)

// eventTypePattern defines the valid format for event type strings.
// Types must be lowercase, start with a letter, and use dots as separators.
// Examples: "malware.detected", "auth.brute_force", "compliance.check_failed"
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator validates events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_format", func(fl validator.FieldLevel) bool {
		return eventTypePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event. Every rejection is a fault.ValidationError so
// callers can tell a bad event from an infrastructure failure.
func (v *Validator) Validate(event *Event) error {
	if err := v.validate.Struct(event); err != nil {
		return fault.NewValidation("event", "%v", err)
	}

	now := time.Now().UTC()

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fault.NewValidation("event", "timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}
	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fault.NewValidation("event", "timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}
