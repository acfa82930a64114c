package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"sentinel-soar/internal/capability"
	"sentinel-soar/internal/playbook"
	"sentinel-soar/internal/store"
)

// DefaultCheckInterval applies when a policy does not set its own.
const DefaultCheckInterval = 30 * time.Second

// Trigger enqueues a remediation playbook. Satisfied by the engine.
type Trigger interface {
	Enqueue(ctx context.Context, playbookID, triggeredBy string, trigger playbook.TriggerType, vars map[string]any) (string, error)
}

// Publisher receives policy.violation_detected events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// Checker evaluates due policies. It implements scheduler.Job and sweeps
// every 30 seconds; each policy's own CheckInterval decides whether it is
// due within a sweep.
type Checker struct {
	store     store.Store
	registry  *capability.Registry
	trigger   Trigger
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
}

// NewChecker creates a policy checker. trigger and publisher may be nil.
func NewChecker(st store.Store, registry *capability.Registry, trigger Trigger, publisher Publisher, logger *slog.Logger) *Checker {
	return &Checker{
		store:     st,
		registry:  registry,
		trigger:   trigger,
		publisher: publisher,
		logger:    logger.With("component", "policy_checker"),
		interval:  DefaultCheckInterval,
	}
}

func (c *Checker) Name() string            { return "policy_checker" }
func (c *Checker) Interval() time.Duration { return c.interval }

// Create validates and stores a policy, scheduling its first check
// immediately.
func (c *Checker) Create(ctx context.Context, p *Enforcement) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if c.trigger == nil {
		for _, r := range p.Rules {
			if r.Remediation != "" {
				c.logger.Warn("remediation configured without an engine", "rule_id", r.ID)
			}
		}
	}
	now := time.Now().UTC()
	if p.CheckInterval == 0 {
		p.CheckInterval = DefaultCheckInterval
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	p.NextCheck = now
	return c.store.Put(ctx, store.KindPolicy, p.ID, p)
}

// Get returns a policy by id.
func (c *Checker) Get(ctx context.Context, id string) (*Enforcement, error) {
	v, err := c.store.Get(ctx, store.KindPolicy, id)
	if err != nil {
		return nil, err
	}
	return v.(*Enforcement), nil
}

// List returns all policies sorted by id.
func (c *Checker) List(ctx context.Context) ([]*Enforcement, error) {
	items, err := c.store.List(ctx, store.KindPolicy)
	if err != nil {
		return nil, err
	}
	ps := make([]*Enforcement, 0, len(items))
	for _, v := range items {
		ps = append(ps, v.(*Enforcement))
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps, nil
}

// Delete removes a policy.
func (c *Checker) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, store.KindPolicy, id)
}

// Violations returns recorded violations, optionally filtered by policy id,
// newest first.
func (c *Checker) Violations(ctx context.Context, policyID string) ([]*Violation, error) {
	items, err := c.store.List(ctx, store.KindViolation)
	if err != nil {
		return nil, err
	}
	vs := make([]*Violation, 0, len(items))
	for _, item := range items {
		v := item.(*Violation)
		if policyID != "" && v.PolicyID != policyID {
			continue
		}
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].DetectedAt.After(vs[j].DetectedAt) })
	return vs, nil
}

// Resolve marks a violation as resolved.
func (c *Checker) Resolve(ctx context.Context, violationID string) error {
	_, err := c.store.Update(ctx, store.KindViolation, violationID, func(v any) (any, error) {
		vi := v.(*Violation)
		vi.Resolved = true
		return vi, nil
	})
	return err
}

// Run checks every enabled policy that is due. A policy whose evaluation
// blows up is logged and skipped; its siblings still run, and its schedule
// is still advanced so one broken policy cannot wedge the sweep.
func (c *Checker) Run(ctx context.Context) error {
	policies, err := c.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, p := range policies {
		if !p.Enabled || now.Before(p.NextCheck) {
			continue
		}
		violations := c.checkPolicy(ctx, p)
		c.advance(ctx, p.ID, int64(violations))
	}
	return nil
}

// checkPolicy runs all enabled rules of one policy against its target and
// returns the violation count. Each rule failure is isolated to that rule.
// A violated allow rule records nothing; that is the rule's whole point.
func (c *Checker) checkPolicy(ctx context.Context, p *Enforcement) int {
	violations := 0
	for i := range p.Rules {
		r := &p.Rules[i]
		if !r.Enabled {
			continue
		}
		out, err := c.registry.Invoke(ctx, r.Evaluator, r.Parameters, map[string]any{"target": p.Target})
		if err != nil {
			c.logger.Warn("rule evaluation failed",
				"policy_id", p.ID, "rule_id", r.ID, "error", err)
			continue
		}

		compliant, details := interpret(out)
		if compliant {
			continue
		}
		if r.Action == ActionAllow {
			c.logger.Debug("rule matched but allowed",
				"policy_id", p.ID, "rule_id", r.ID, "target", p.Target)
			continue
		}
		violations++
		c.recordViolation(ctx, p, r, details)
	}
	return violations
}

func (c *Checker) recordViolation(ctx context.Context, p *Enforcement, r *Rule, details map[string]any) {
	description, _ := details["description"].(string)
	if description == "" {
		description = fmt.Sprintf("rule %q violated on %s", r.Name, p.Target)
	}
	v := &Violation{
		ID:          uuid.New().String(),
		PolicyID:    p.ID,
		RuleID:      r.ID,
		Action:      r.Action,
		Severity:    r.Severity,
		Description: description,
		Details:     details,
		DetectedAt:  time.Now().UTC(),
	}
	if err := c.store.Put(ctx, store.KindViolation, v.ID, v); err != nil {
		c.logger.Error("failed to record violation", "policy_id", p.ID, "error", err)
	}
	c.logger.Warn("policy violation detected",
		"policy_id", p.ID, "rule_id", r.ID, "action", string(r.Action), "severity", r.Severity)

	c.enforce(ctx, p, r, v)

	if c.publisher != nil {
		c.publisher.Publish(ctx, "policy.violation_detected", map[string]any{
			"violation_id": v.ID,
			"policy_id":    p.ID,
			"rule_id":      r.ID,
			"action":       string(r.Action),
			"severity":     r.Severity,
			"description":  description,
			"details":      details,
		})
	}

	if r.Remediation != "" && c.trigger != nil {
		execID, err := c.trigger.Enqueue(ctx, r.Remediation, "policy:"+p.ID, playbook.TriggerCondition, map[string]any{
			"violation_id": v.ID,
			"rule_id":      r.ID,
			"severity":     r.Severity,
		})
		if err != nil {
			c.logger.Warn("remediation trigger failed",
				"policy_id", p.ID, "playbook_id", r.Remediation, "error", err)
			return
		}
		c.logger.Info("remediation triggered",
			"policy_id", p.ID, "playbook_id", r.Remediation, "execution_id", execID)
	}
}

// enforce dispatches the rule's action through the capability registry when
// a capability of that name is registered. Deny and quarantine only take
// effect in deployments that wire those capabilities; recording the
// violation never depends on it.
func (c *Checker) enforce(ctx context.Context, p *Enforcement, r *Rule, v *Violation) {
	name := string(r.Action)
	if !c.registry.Has(name) {
		return
	}
	_, err := c.registry.Invoke(ctx, name, map[string]any{
		"violation_id": v.ID,
		"policy_id":    p.ID,
		"rule_id":      r.ID,
		"target":       p.Target,
		"severity":     r.Severity,
		"description":  v.Description,
	}, nil)
	if err != nil {
		c.logger.Warn("enforcement action failed",
			"policy_id", p.ID, "rule_id", r.ID, "action", name, "error", err)
	}
}

// advance commits the check bookkeeping: LastCheck moves to now and
// NextCheck to now plus the interval, so NextCheck never precedes LastCheck.
func (c *Checker) advance(ctx context.Context, policyID string, violations int64) {
	_, err := c.store.Update(ctx, store.KindPolicy, policyID, func(v any) (any, error) {
		p := v.(*Enforcement)
		now := time.Now().UTC()
		p.LastCheck = &now
		p.NextCheck = now.Add(p.CheckInterval)
		p.ViolationCount += violations
		return p, nil
	})
	if err != nil {
		c.logger.Error("failed to advance policy schedule", "policy_id", policyID, "error", err)
	}
}

// interpret reads an evaluator's output. A map with "compliant" decides
// directly; any other successful output counts as compliant.
func interpret(out any) (bool, map[string]any) {
	m, ok := out.(map[string]any)
	if !ok {
		return true, nil
	}
	if compliant, ok := m["compliant"].(bool); ok {
		return compliant, m
	}
	return true, m
}
