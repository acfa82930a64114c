package playbook

import (
	"sentinel-soar/internal/fault"
)

// Validate checks the playbook definition for structural errors: missing
// fields, unknown enum values, duplicate step ids, and edges that reference
// steps that do not exist. A playbook that fails validation is never
// admitted for execution.
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return fault.NewValidation("playbook", "id is required")
	}
	if p.Name == "" {
		return fault.NewValidation("playbook", "name is required")
	}
	if !p.Type.IsValid() {
		return fault.NewValidation("playbook", "unknown type %q", p.Type)
	}
	if err := p.validateTrigger(); err != nil {
		return err
	}
	if len(p.Steps) == 0 {
		return fault.NewValidation("playbook", "at least one step is required")
	}

	ids := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fault.NewValidation("step", "step %d: id is required", i)
		}
		if ids[s.ID] {
			return fault.NewValidation("step", "duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}

	for i := range p.Steps {
		if err := p.validateStep(&p.Steps[i], ids); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(p.Variables))
	for _, v := range p.Variables {
		if v.Name == "" {
			return fault.NewValidation("variable", "name is required")
		}
		if seen[v.Name] {
			return fault.NewValidation("variable", "duplicate variable %q", v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

func (p *Playbook) validateTrigger() error {
	t := p.Trigger
	if !t.Type.IsValid() {
		return fault.NewValidation("trigger", "unknown trigger type %q", t.Type)
	}
	switch t.Type {
	case TriggerScheduled:
		if t.Schedule == "" {
			return fault.NewValidation("trigger", "scheduled trigger requires a schedule")
		}
	case TriggerEvent:
		if len(t.Events) == 0 {
			return fault.NewValidation("trigger", "event trigger requires at least one event type")
		}
	case TriggerCondition:
		if len(t.Conditions) == 0 {
			return fault.NewValidation("trigger", "condition trigger requires conditions")
		}
	}
	for i, c := range t.Conditions {
		if err := c.Validate(); err != nil {
			return fault.NewValidation("trigger", "condition %d: %v", i, err)
		}
	}
	return nil
}

func (p *Playbook) validateStep(s *Step, ids map[string]bool) error {
	if !s.Type.IsValid() {
		return fault.NewValidation("step", "step %q: unknown type %q", s.ID, s.Type)
	}
	if s.Retries < 0 {
		return fault.NewValidation("step", "step %q: retries must be >= 0", s.ID)
	}
	if s.OnSuccess != "" && !ids[s.OnSuccess] {
		return fault.NewValidation("step", "step %q: on_success references unknown step %q", s.ID, s.OnSuccess)
	}
	if s.OnFailure != "" && !ids[s.OnFailure] {
		return fault.NewValidation("step", "step %q: on_failure references unknown step %q", s.ID, s.OnFailure)
	}

	switch s.Type {
	case StepAction:
		if s.Action == nil || s.Action.ActionType == "" {
			return fault.NewValidation("step", "step %q: action step requires an action_type", s.ID)
		}
	case StepCondition:
		if s.Condition == nil || len(s.Condition.Conditions) == 0 {
			return fault.NewValidation("step", "step %q: condition step requires conditions", s.ID)
		}
		for i, c := range s.Condition.Conditions {
			if err := c.Validate(); err != nil {
				return fault.NewValidation("step", "step %q: condition %d: %v", s.ID, i, err)
			}
		}
		if s.Condition.TrueStep != "" && !ids[s.Condition.TrueStep] {
			return fault.NewValidation("step", "step %q: true_step references unknown step %q", s.ID, s.Condition.TrueStep)
		}
		if s.Condition.FalseStep != "" && !ids[s.Condition.FalseStep] {
			return fault.NewValidation("step", "step %q: false_step references unknown step %q", s.ID, s.Condition.FalseStep)
		}
	case StepLoop:
		if s.Loop == nil || len(s.Loop.Steps) == 0 {
			return fault.NewValidation("step", "step %q: loop step requires sub-steps", s.ID)
		}
		if s.Loop.MaxIterations <= 0 {
			return fault.NewValidation("step", "step %q: loop requires max_iterations > 0", s.ID)
		}
		for _, sub := range s.Loop.Steps {
			if !ids[sub] {
				return fault.NewValidation("step", "step %q: loop references unknown step %q", s.ID, sub)
			}
			if sub == s.ID {
				return fault.NewValidation("step", "step %q: loop cannot reference itself", s.ID)
			}
		}
	case StepParallel:
		if s.Parallel == nil || len(s.Parallel.Steps) == 0 {
			return fault.NewValidation("step", "step %q: parallel step requires sub-steps", s.ID)
		}
		for _, sub := range s.Parallel.Steps {
			if !ids[sub] {
				return fault.NewValidation("step", "step %q: parallel references unknown step %q", s.ID, sub)
			}
			if sub == s.ID {
				return fault.NewValidation("step", "step %q: parallel cannot reference itself", s.ID)
			}
		}
	case StepWait:
		if s.Wait == nil || (s.Wait.Duration <= 0 && len(s.Wait.Until) == 0) {
			return fault.NewValidation("step", "step %q: wait step requires a duration or until conditions", s.ID)
		}
	case StepHumanTask:
		if s.HumanTask == nil || s.HumanTask.Assignee == "" {
			return fault.NewValidation("step", "step %q: human task requires an assignee", s.ID)
		}
	}
	return nil
}
