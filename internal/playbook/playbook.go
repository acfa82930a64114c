// Package playbook defines the playbook data model: a trigger plus an
// ordered, optionally branching set of remediation steps.
package playbook

import (
	"time"

	"sentinel-soar/internal/condition"
)

// Type categorizes playbooks.
type Type string

const (
	TypeIncidentResponse        Type = "incident_response"
	TypeVulnerabilityManagement Type = "vulnerability_management"
	TypeThreatHunting           Type = "threat_hunting"
	TypeCompliance              Type = "compliance"
	TypeForensics               Type = "forensics"
)

// IsValid checks if the playbook type is a valid value.
func (t Type) IsValid() bool {
	switch t {
	case TypeIncidentResponse, TypeVulnerabilityManagement, TypeThreatHunting,
		TypeCompliance, TypeForensics:
		return true
	}
	return false
}

// TriggerType represents what causes a playbook to run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerAlert     TriggerType = "alert"
	TriggerCondition TriggerType = "condition"
)

// IsValid checks if the trigger type is a valid value.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerEvent, TriggerAlert, TriggerCondition:
		return true
	}
	return false
}

// StepType represents the kind of a playbook step.
type StepType string

const (
	StepAction    StepType = "action"
	StepCondition StepType = "condition"
	StepLoop      StepType = "loop"
	StepParallel  StepType = "parallel"
	StepWait      StepType = "wait"
	StepHumanTask StepType = "human_task"
)

// IsValid checks if the step type is a valid value.
func (t StepType) IsValid() bool {
	switch t {
	case StepAction, StepCondition, StepLoop, StepParallel, StepWait, StepHumanTask:
		return true
	}
	return false
}

// Playbook is a named, versioned remediation definition. A playbook is never
// hard-deleted while executions reference it; operators retire it by
// disabling. Edited copies bump Version.
type Playbook struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Type        Type       `json:"type" yaml:"type"`
	Version     int        `json:"version" yaml:"version"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Tags        []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Trigger     Trigger    `json:"trigger" yaml:"trigger"`
	Steps       []Step     `json:"steps" yaml:"steps"`
	Variables   []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Running totals, maintained by the execution engine.
	ExecutionCount int64      `json:"execution_count" yaml:"-"`
	SuccessCount   int64      `json:"success_count" yaml:"-"`
	SuccessRate    float64    `json:"success_rate" yaml:"-"`
	LastExecuted   *time.Time `json:"last_executed,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Trigger defines when a playbook runs.
type Trigger struct {
	Type       TriggerType           `json:"type" yaml:"type"`
	Conditions []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Schedule   string                `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Events     []string              `json:"events,omitempty" yaml:"events,omitempty"`
}

// Variable declares a playbook input.
type Variable struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	Default   any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required  bool   `json:"required" yaml:"required"`
	Sensitive bool   `json:"sensitive" yaml:"sensitive"`
}

// Step is one node in the playbook graph. Default flow is sequential by
// Order; OnSuccess/OnFailure edges override.
type Step struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Type    StepType `json:"type" yaml:"type"`
	Order   int      `json:"order" yaml:"order"`
	Enabled bool     `json:"enabled" yaml:"enabled"`

	Action    *ActionConfig    `json:"action,omitempty" yaml:"action,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty" yaml:"condition,omitempty"`
	Loop      *LoopConfig      `json:"loop,omitempty" yaml:"loop,omitempty"`
	Parallel  *ParallelConfig  `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Wait      *WaitConfig      `json:"wait,omitempty" yaml:"wait,omitempty"`
	HumanTask *HumanTaskConfig `json:"human_task,omitempty" yaml:"human_task,omitempty"`

	OnSuccess string        `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure string        `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries   int           `json:"retries" yaml:"retries"`
}

// ActionConfig dispatches to a named external capability.
type ActionConfig struct {
	ActionType string         `json:"action_type" yaml:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ConditionConfig branches on the execution's variable bindings. The engine,
// not the step executor, performs the jump to the chosen step.
type ConditionConfig struct {
	Conditions []condition.Condition `json:"conditions" yaml:"conditions"`
	TrueStep   string                `json:"true_step,omitempty" yaml:"true_step,omitempty"`
	FalseStep  string                `json:"false_step,omitempty" yaml:"false_step,omitempty"`
}

// LoopConfig repeats a named sub-sequence of step ids.
type LoopConfig struct {
	Steps           []string              `json:"steps" yaml:"steps"`
	MaxIterations   int                   `json:"max_iterations" yaml:"max_iterations"`
	IteratorVar     string                `json:"iterator_var,omitempty" yaml:"iterator_var,omitempty"`
	BreakConditions []condition.Condition `json:"break_conditions,omitempty" yaml:"break_conditions,omitempty"`
}

// ParallelConfig fans out a list of step ids concurrently.
type ParallelConfig struct {
	Steps          []string `json:"steps" yaml:"steps"`
	MaxConcurrency int      `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	WaitForAll     bool     `json:"wait_for_all" yaml:"wait_for_all"`
}

// WaitConfig suspends the execution for a duration or until a polled
// condition becomes true.
type WaitConfig struct {
	Duration     time.Duration         `json:"duration,omitempty" yaml:"duration,omitempty"`
	Until        []condition.Condition `json:"until,omitempty" yaml:"until,omitempty"`
	PollInterval time.Duration         `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// HumanTaskConfig parks the execution pending an external completion signal.
// The step's Timeout bounds the wait; expiry is failure-by-timeout.
type HumanTaskConfig struct {
	Assignee     string `json:"assignee" yaml:"assignee"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// StepByID returns the step with the given id.
func (p *Playbook) StepByID(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// DefaultVariables returns the declared variable defaults as a bindings map.
func (p *Playbook) DefaultVariables() map[string]any {
	vars := make(map[string]any, len(p.Variables))
	for _, v := range p.Variables {
		if v.Default != nil {
			vars[v.Name] = v.Default
		}
	}
	return vars
}

// HasVariable reports whether the playbook declares a variable by name.
func (p *Playbook) HasVariable(name string) bool {
	for _, v := range p.Variables {
		if v.Name == name {
			return true
		}
	}
	return false
}
