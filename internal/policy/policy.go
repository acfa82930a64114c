// Package policy periodically evaluates enforcement policies against the
// environment and records violations.
package policy

import (
	"time"

	"sentinel-soar/internal/fault"
)

// Type categorizes how a policy acts on its target.
type Type string

const (
	TypePreventive Type = "preventive"
	TypeDetective  Type = "detective"
	TypeCorrective Type = "corrective"
)

// IsValid checks if the policy type is a valid value.
func (t Type) IsValid() bool {
	switch t {
	case TypePreventive, TypeDetective, TypeCorrective:
		return true
	}
	return false
}

// RuleAction is what a violated rule does beyond recording the violation.
type RuleAction string

const (
	ActionAllow      RuleAction = "allow"
	ActionDeny       RuleAction = "deny"
	ActionLog        RuleAction = "log"
	ActionAlert      RuleAction = "alert"
	ActionQuarantine RuleAction = "quarantine"
)

// IsValid checks if the rule action is a valid value.
func (a RuleAction) IsValid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionLog, ActionAlert, ActionQuarantine:
		return true
	}
	return false
}

// Enforcement is a named set of rules checked on a fixed interval against
// one target.
type Enforcement struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Description   string        `json:"description,omitempty" yaml:"description,omitempty"`
	Type          Type          `json:"type" yaml:"type"`
	Target        string        `json:"target" yaml:"target"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Rules         []Rule        `json:"rules" yaml:"rules"`
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// LastCheck and NextCheck are recomputed after every check; NextCheck
	// never precedes LastCheck.
	LastCheck      *time.Time `json:"last_check,omitempty" yaml:"-"`
	NextCheck      time.Time  `json:"next_check" yaml:"-"`
	ViolationCount int64      `json:"violation_count" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Rule is one check within a policy. Evaluator names the capability that
// performs the check; Action is applied when the rule is violated, with
// allow meaning record-nothing; Remediation optionally names a playbook
// triggered on violation.
type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Evaluator   string         `json:"evaluator" yaml:"evaluator"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Action      RuleAction     `json:"action" yaml:"action"`
	Severity    int            `json:"severity" yaml:"severity"`
	Remediation string         `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

// Violation records one rule failure detected by a check.
type Violation struct {
	ID          string         `json:"id"`
	PolicyID    string         `json:"policy_id"`
	RuleID      string         `json:"rule_id"`
	Action      RuleAction     `json:"action"`
	Severity    int            `json:"severity"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	DetectedAt  time.Time      `json:"detected_at"`
	Resolved    bool           `json:"resolved"`
}

// Validate checks the policy definition.
func (p *Enforcement) Validate() error {
	if p.ID == "" {
		return fault.NewValidation("policy", "id is required")
	}
	if p.Name == "" {
		return fault.NewValidation("policy", "name is required")
	}
	if !p.Type.IsValid() {
		return fault.NewValidation("policy", "unknown type %q", p.Type)
	}
	if p.Target == "" {
		return fault.NewValidation("policy", "target is required")
	}
	if len(p.Rules) == 0 {
		return fault.NewValidation("policy", "at least one rule is required")
	}
	if p.CheckInterval < 0 {
		return fault.NewValidation("policy", "check_interval must be >= 0")
	}
	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if r.ID == "" {
			return fault.NewValidation("policy", "rule %d: id is required", i)
		}
		if seen[r.ID] {
			return fault.NewValidation("policy", "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Evaluator == "" {
			return fault.NewValidation("policy", "rule %q: evaluator is required", r.ID)
		}
		if !r.Action.IsValid() {
			return fault.NewValidation("policy", "rule %q: unknown action %q", r.ID, r.Action)
		}
		if r.Severity < 1 || r.Severity > 10 {
			return fault.NewValidation("policy", "rule %q: severity must be 1-10", r.ID)
		}
	}
	return nil
}
