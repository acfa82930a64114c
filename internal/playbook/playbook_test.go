package playbook

import (
	"strings"
	"testing"
	"time"

	"sentinel-soar/internal/condition"
	"sentinel-soar/internal/fault"
)

func validPlaybook() *Playbook {
	return &Playbook{
		ID:      "pb-quarantine",
		Name:    "Quarantine Host",
		Type:    TypeIncidentResponse,
		Version: 1,
		Enabled: true,
		Trigger: Trigger{
			Type:   TriggerEvent,
			Events: []string{"malware.detected"},
		},
		Steps: []Step{
			{
				ID:     "isolate",
				Name:   "Isolate host",
				Type:   StepAction,
				Order:  1,
				Action: &ActionConfig{ActionType: "isolate_host"},
			},
			{
				ID:    "notify",
				Name:  "Notify SOC",
				Type:  StepAction,
				Order: 2,
				Action: &ActionConfig{
					ActionType: "send_notification",
					Parameters: map[string]any{"channel": "soc"},
				},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	if err := validPlaybook().Validate(); err != nil {
		t.Fatalf("valid playbook rejected: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Playbook)
		want   string
	}{
		{
			name:   "missing id",
			mutate: func(p *Playbook) { p.ID = "" },
			want:   "id is required",
		},
		{
			name:   "unknown type",
			mutate: func(p *Playbook) { p.Type = "chaos" },
			want:   "unknown type",
		},
		{
			name:   "no steps",
			mutate: func(p *Playbook) { p.Steps = nil },
			want:   "at least one step",
		},
		{
			name:   "duplicate step id",
			mutate: func(p *Playbook) { p.Steps[1].ID = "isolate" },
			want:   "duplicate step id",
		},
		{
			name:   "event trigger without events",
			mutate: func(p *Playbook) { p.Trigger.Events = nil },
			want:   "at least one event type",
		},
		{
			name:   "scheduled trigger without schedule",
			mutate: func(p *Playbook) { p.Trigger = Trigger{Type: TriggerScheduled} },
			want:   "requires a schedule",
		},
		{
			name:   "dangling on_success edge",
			mutate: func(p *Playbook) { p.Steps[0].OnSuccess = "missing" },
			want:   "references unknown step",
		},
		{
			name:   "action without action_type",
			mutate: func(p *Playbook) { p.Steps[0].Action = &ActionConfig{} },
			want:   "requires an action_type",
		},
		{
			name: "condition step without conditions",
			mutate: func(p *Playbook) {
				p.Steps[0] = Step{ID: "isolate", Type: StepCondition, Condition: &ConditionConfig{}}
			},
			want: "requires conditions",
		},
		{
			name: "loop referencing itself",
			mutate: func(p *Playbook) {
				p.Steps[0] = Step{
					ID:   "isolate",
					Type: StepLoop,
					Loop: &LoopConfig{Steps: []string{"isolate"}, MaxIterations: 3},
				}
			},
			want: "cannot reference itself",
		},
		{
			name: "loop without max iterations",
			mutate: func(p *Playbook) {
				p.Steps[0] = Step{
					ID:   "isolate",
					Type: StepLoop,
					Loop: &LoopConfig{Steps: []string{"notify"}},
				}
			},
			want: "max_iterations",
		},
		{
			name: "wait without duration or until",
			mutate: func(p *Playbook) {
				p.Steps[0] = Step{ID: "isolate", Type: StepWait, Wait: &WaitConfig{}}
			},
			want: "duration or until",
		},
		{
			name: "human task without assignee",
			mutate: func(p *Playbook) {
				p.Steps[0] = Step{ID: "isolate", Type: StepHumanTask, HumanTask: &HumanTaskConfig{}}
			},
			want: "requires an assignee",
		},
		{
			name: "duplicate variable",
			mutate: func(p *Playbook) {
				p.Variables = []Variable{
					{Name: "host", Type: "string"},
					{Name: "host", Type: "string"},
				}
			},
			want: "duplicate variable",
		},
		{
			name:   "negative retries",
			mutate: func(p *Playbook) { p.Steps[0].Retries = -1 },
			want:   "retries must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb := validPlaybook()
			tt.mutate(pb)
			err := pb.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !fault.IsValidation(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParsePlaybook(t *testing.T) {
	data := []byte(`
id: pb-phishing
name: Phishing Response
type: incident_response
enabled: true
trigger:
  type: event
  events:
    - email.phishing_reported
variables:
  - name: mailbox
    type: string
    required: true
steps:
  - id: quarantine
    name: Quarantine message
    type: action
    order: 1
    retries: 2
    action:
      action_type: quarantine_email
      parameters:
        mailbox: "{{mailbox}}"
    on_failure: escalate
  - id: escalate
    name: Escalate to analyst
    type: human_task
    order: 2
    timeout: 1h
    human_task:
      assignee: soc-tier2
      instructions: Review quarantined message
`)
	pb, err := ParsePlaybook(data)
	if err != nil {
		t.Fatalf("ParsePlaybook failed: %v", err)
	}
	if pb.ID != "pb-phishing" {
		t.Errorf("expected id pb-phishing, got %s", pb.ID)
	}
	if pb.Version != 1 {
		t.Errorf("expected defaulted version 1, got %d", pb.Version)
	}
	if len(pb.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(pb.Steps))
	}
	if pb.Steps[0].OnFailure != "escalate" {
		t.Errorf("expected on_failure edge to escalate, got %q", pb.Steps[0].OnFailure)
	}
	if pb.Steps[1].Timeout != time.Hour {
		t.Errorf("expected 1h timeout, got %v", pb.Steps[1].Timeout)
	}
}

func TestParsePlaybookInvalid(t *testing.T) {
	if _, err := ParsePlaybook([]byte("id: broken\n")); err == nil {
		t.Fatal("expected error for incomplete playbook")
	}
	if _, err := ParsePlaybook([]byte("{{not yaml")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestParsePlaybooksSingleFallback(t *testing.T) {
	data := []byte(`
id: pb-single
name: Single
type: compliance
trigger:
  type: manual
steps:
  - id: only
    name: Only step
    type: action
    action:
      action_type: run_scan
`)
	pbs, err := ParsePlaybooks(data)
	if err != nil {
		t.Fatalf("ParsePlaybooks failed: %v", err)
	}
	if len(pbs) != 1 || pbs[0].ID != "pb-single" {
		t.Fatalf("expected single playbook fallback, got %v", pbs)
	}
}

func TestNewExecutionMergesVariables(t *testing.T) {
	pb := validPlaybook()
	pb.Variables = []Variable{
		{Name: "severity", Type: "number", Default: 5},
		{Name: "host", Type: "string", Required: true},
	}
	exec := NewExecution(pb, "manual", TriggerManual, map[string]any{"host": "web-01", "severity": 9})
	if exec.Status != ExecutionPending {
		t.Errorf("expected pending status, got %s", exec.Status)
	}
	if exec.Variables["severity"] != 9 {
		t.Errorf("trigger value should win over default, got %v", exec.Variables["severity"])
	}
	if exec.Variables["host"] != "web-01" {
		t.Errorf("expected host binding, got %v", exec.Variables["host"])
	}
	if exec.ID == "" || exec.PlaybookID != pb.ID {
		t.Error("execution identity not populated")
	}
	if exec.TriggerType != TriggerManual {
		t.Errorf("trigger type not recorded: %s", exec.TriggerType)
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	terminal := []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionPaused}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTriggerConditionValidation(t *testing.T) {
	pb := validPlaybook()
	pb.Trigger = Trigger{
		Type: TriggerCondition,
		Conditions: []condition.Condition{
			{Field: "severity", Operator: condition.OpGreaterThan, Value: 7},
		},
	}
	if err := pb.Validate(); err != nil {
		t.Fatalf("valid condition trigger rejected: %v", err)
	}

	pb.Trigger.Conditions[0].Operator = "regex_match"
	if err := pb.Validate(); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestBuiltinPlaybooks(t *testing.T) {
	builtins := BuiltinPlaybooks()
	if len(builtins) == 0 {
		t.Fatal("expected built-in playbooks")
	}

	seen := make(map[string]bool)
	for _, pb := range builtins {
		if err := pb.Validate(); err != nil {
			t.Errorf("built-in %s invalid: %v", pb.ID, err)
		}
		if !pb.Enabled {
			t.Errorf("built-in %s should be enabled", pb.ID)
		}
		if seen[pb.ID] {
			t.Errorf("duplicate built-in id %s", pb.ID)
		}
		seen[pb.ID] = true
	}
}
