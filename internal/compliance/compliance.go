// Package compliance schedules recurring framework control checks, archives
// their evidence, and raises synthetic events when a control's status flips.
package compliance

import (
	"time"

	"sentinel-soar/internal/fault"
)

// Frequency is how often a check must run.
type Frequency string

const (
	Continuous Frequency = "continuous"
	Daily      Frequency = "daily"
	Weekly     Frequency = "weekly"
	Monthly    Frequency = "monthly"
	Quarterly  Frequency = "quarterly"
)

// Interval maps a frequency to its check interval.
func (f Frequency) Interval() time.Duration {
	switch f {
	case Continuous:
		return time.Minute
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	case Quarterly:
		return 90 * 24 * time.Hour
	}
	return 0
}

// IsValid checks if the frequency is a valid value.
func (f Frequency) IsValid() bool {
	return f.Interval() > 0
}

// Status is a control's last known compliance state. A check starts pending
// and moves to error when its evaluator cannot produce a verdict.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCompliant    Status = "compliant"
	StatusNonCompliant Status = "non_compliant"
	StatusError        Status = "error"
)

// CheckType says how a check's verdict is produced. Manual checks are never
// swept; an operator records their results. Hybrid checks run automatically
// but flag their evidence for human review.
type CheckType string

const (
	CheckAutomated CheckType = "automated"
	CheckManual    CheckType = "manual"
	CheckHybrid    CheckType = "hybrid"
)

// IsValid checks if the check type is a valid value.
func (t CheckType) IsValid() bool {
	switch t {
	case CheckAutomated, CheckManual, CheckHybrid:
		return true
	}
	return false
}

// Issue is one recorded compliance failure on a check, newest last.
type Issue struct {
	Time        time.Time `json:"time"`
	Severity    int       `json:"severity"`
	Description string    `json:"description"`
	Remediation string    `json:"remediation,omitempty"`
}

// Check is one recurring control check within a compliance framework.
type Check struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Framework   string         `json:"framework" yaml:"framework"`
	Control     string         `json:"control" yaml:"control"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	CheckType   CheckType      `json:"check_type" yaml:"check_type"`
	Frequency   Frequency      `json:"frequency" yaml:"frequency"`
	Evaluator   string         `json:"evaluator" yaml:"evaluator"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// ExpectedResult, when set, is compared against the evaluator's result
	// field; the fallback is the evaluator's own compliant verdict.
	ExpectedResult any `json:"expected_result,omitempty" yaml:"expected_result,omitempty"`

	Status       Status     `json:"status" yaml:"-"`
	ActualResult any        `json:"actual_result,omitempty" yaml:"-"`
	Issues       []Issue    `json:"issues,omitempty" yaml:"-"`
	LastCheck    *time.Time `json:"last_check,omitempty" yaml:"-"`
	NextCheck    time.Time  `json:"next_check" yaml:"-"`
	// Evidence holds archive references from past checks, newest last.
	Evidence []string `json:"evidence,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the check definition.
func (c *Check) Validate() error {
	if c.ID == "" {
		return fault.NewValidation("compliance_check", "id is required")
	}
	if c.Name == "" {
		return fault.NewValidation("compliance_check", "name is required")
	}
	if c.Framework == "" {
		return fault.NewValidation("compliance_check", "framework is required")
	}
	if !c.CheckType.IsValid() {
		return fault.NewValidation("compliance_check", "unknown check type %q", c.CheckType)
	}
	if !c.Frequency.IsValid() {
		return fault.NewValidation("compliance_check", "unknown frequency %q", c.Frequency)
	}
	if c.CheckType != CheckManual && c.Evaluator == "" {
		return fault.NewValidation("compliance_check", "evaluator is required")
	}
	return nil
}
