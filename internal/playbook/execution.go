package playbook

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a playbook execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus represents the state of a single step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// LogEntry is one line of an execution's append-only log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Execution is one run of a playbook. Variables carry the merged bindings
// (defaults, then trigger-supplied values); StepResults accumulates one
// record per attempted step; Log is append-only.
type Execution struct {
	ID          string          `json:"id"`
	PlaybookID  string          `json:"playbook_id"`
	Status      ExecutionStatus `json:"status"`
	TriggeredBy string          `json:"triggered_by"`
	TriggerType TriggerType     `json:"trigger_type"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	Variables   map[string]any  `json:"variables,omitempty"`
	StepResults []StepExecution `json:"step_results,omitempty"`
	Log         []LogEntry      `json:"log,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StepExecution records one attempt sequence for a step. RetryCount is the
// number of re-attempts after the first, so a step that succeeded first try
// reads zero.
type StepExecution struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

// NewExecution builds a pending execution for the playbook with merged
// variable bindings. Trigger-supplied values win over declared defaults.
func NewExecution(p *Playbook, triggeredBy string, triggerType TriggerType, vars map[string]any) *Execution {
	merged := p.DefaultVariables()
	for k, v := range vars {
		merged[k] = v
	}
	return &Execution{
		ID:          uuid.New().String(),
		PlaybookID:  p.ID,
		Status:      ExecutionPending,
		TriggeredBy: triggeredBy,
		TriggerType: triggerType,
		StartedAt:   time.Now().UTC(),
		Variables:   merged,
	}
}

// AppendLog appends one log line. The log is never truncated or rewritten.
func (e *Execution) AppendLog(message string) {
	e.Log = append(e.Log, LogEntry{Time: time.Now().UTC(), Message: message})
}

// Result returns the step execution record for the given step id, if any.
func (e *Execution) Result(stepID string) (*StepExecution, bool) {
	for i := range e.StepResults {
		if e.StepResults[i].StepID == stepID {
			return &e.StepResults[i], true
		}
	}
	return nil, false
}

// Clone returns a copy that shares no mutable state with the receiver, so a
// stored snapshot stays stable while the engine keeps mutating its working
// record.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.Variables != nil {
		c.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}
	if e.StepResults != nil {
		c.StepResults = make([]StepExecution, len(e.StepResults))
		copy(c.StepResults, e.StepResults)
	}
	if e.Log != nil {
		c.Log = make([]LogEntry, len(e.Log))
		copy(c.Log, e.Log)
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
