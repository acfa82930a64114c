package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"sentinel-soar/internal/capability"
	"sentinel-soar/internal/fault"
	"sentinel-soar/internal/schema"
	"sentinel-soar/internal/store"
)

// SweepInterval is how often the checker looks for due checks. Individual
// check frequencies decide what actually runs in a sweep.
const SweepInterval = 15 * time.Minute

// Archiver persists check evidence and returns a durable reference.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) (string, error)
}

// EventSink receives the synthetic events raised on status changes.
// Satisfied by the router.
type EventSink interface {
	SubmitEvent(ctx context.Context, event *schema.Event) error
}

// Publisher receives compliance.status_changed lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// Checker runs due compliance checks. Implements scheduler.Job.
type Checker struct {
	store     store.Store
	registry  *capability.Registry
	archiver  Archiver
	sink      EventSink
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
}

// NewChecker creates a compliance checker. archiver, sink, and publisher may
// each be nil.
func NewChecker(st store.Store, registry *capability.Registry, archiver Archiver, sink EventSink, publisher Publisher, logger *slog.Logger) *Checker {
	return &Checker{
		store:     st,
		registry:  registry,
		archiver:  archiver,
		sink:      sink,
		publisher: publisher,
		logger:    logger.With("component", "compliance_checker"),
		interval:  SweepInterval,
	}
}

func (c *Checker) Name() string            { return "compliance_checker" }
func (c *Checker) Interval() time.Duration { return c.interval }

// Create validates and stores a check, due immediately.
func (c *Checker) Create(ctx context.Context, chk *Check) error {
	if err := chk.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	chk.Status = StatusPending
	chk.CreatedAt = now
	chk.UpdatedAt = now
	chk.NextCheck = now
	return c.store.Put(ctx, store.KindCompliance, chk.ID, chk)
}

// Get returns a check by id.
func (c *Checker) Get(ctx context.Context, id string) (*Check, error) {
	v, err := c.store.Get(ctx, store.KindCompliance, id)
	if err != nil {
		return nil, err
	}
	return v.(*Check), nil
}

// List returns all checks sorted by id.
func (c *Checker) List(ctx context.Context) ([]*Check, error) {
	items, err := c.store.List(ctx, store.KindCompliance)
	if err != nil {
		return nil, err
	}
	checks := make([]*Check, 0, len(items))
	for _, v := range items {
		checks = append(checks, v.(*Check))
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].ID < checks[j].ID })
	return checks, nil
}

// Delete removes a check.
func (c *Checker) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, store.KindCompliance, id)
}

// Summary reports per-framework status counts for the status endpoint.
func (c *Checker) Summary(ctx context.Context) (map[string]map[string]int, error) {
	checks, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	summary := make(map[string]map[string]int)
	for _, chk := range checks {
		if summary[chk.Framework] == nil {
			summary[chk.Framework] = make(map[string]int)
		}
		summary[chk.Framework][string(chk.Status)]++
	}
	return summary, nil
}

// Run evaluates every enabled automated or hybrid check that is due. Manual
// checks wait for RecordResult. One check's failure never stops the sweep; a
// failed evaluation moves the check to error but still advances the
// schedule.
func (c *Checker) Run(ctx context.Context) error {
	checks, err := c.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, chk := range checks {
		if !chk.Enabled || chk.CheckType == CheckManual || now.Before(chk.NextCheck) {
			continue
		}
		c.runCheck(ctx, chk)
	}
	return nil
}

func (c *Checker) runCheck(ctx context.Context, chk *Check) {
	out, err := c.registry.Invoke(ctx, chk.Evaluator, chk.Parameters, nil)
	if err != nil {
		c.logger.Warn("compliance check failed",
			"check_id", chk.ID, "framework", chk.Framework, "error", err)
		c.commitResult(ctx, chk, StatusError, nil, "", err.Error())
		return
	}

	details, _ := out.(map[string]any)
	status, actual := verdict(chk, details)

	ref := c.archiveEvidence(ctx, chk, status, details)
	desc := ""
	if status == StatusNonCompliant {
		desc = fmt.Sprintf("control %s of %s is non-compliant", chk.Control, chk.Framework)
		if s, ok := details["description"].(string); ok && s != "" {
			desc = s
		}
	}
	c.commitResult(ctx, chk, status, actual, ref, desc)
}

// verdict decides the check's status. An expected result, when declared,
// wins over the evaluator's own compliant flag.
func verdict(chk *Check, details map[string]any) (Status, any) {
	if chk.ExpectedResult != nil {
		actual, ok := details["result"]
		if !ok {
			return StatusError, nil
		}
		if reflect.DeepEqual(chk.ExpectedResult, actual) {
			return StatusCompliant, actual
		}
		return StatusNonCompliant, actual
	}
	if compliant, ok := details["compliant"].(bool); ok && !compliant {
		return StatusNonCompliant, details["result"]
	}
	return StatusCompliant, details["result"]
}

// commitResult advances the check with the verdict and announces a status
// change. Non-compliant and error verdicts append an issue.
func (c *Checker) commitResult(ctx context.Context, chk *Check, status Status, actual any, evidenceRef, description string) {
	previous := chk.Status
	c.advance(ctx, chk.ID, status, actual, evidenceRef, description)

	if status != previous {
		c.logger.Info("compliance status changed",
			"check_id", chk.ID, "framework", chk.Framework,
			"from", string(previous), "to", string(status))
		c.announceChange(ctx, chk, previous, status)
	}
}

// RecordResult records an operator's verdict on a manual or hybrid check.
func (c *Checker) RecordResult(ctx context.Context, id string, status Status, actual any, note string) error {
	if status != StatusCompliant && status != StatusNonCompliant {
		return fault.NewValidation("compliance_check", "recorded status must be compliant or non_compliant")
	}
	chk, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	c.commitResult(ctx, chk, status, actual, "", note)
	return nil
}

// archiveEvidence stores the evaluation result for auditors. Archive failure
// is logged and the check proceeds; evidence is best-effort.
func (c *Checker) archiveEvidence(ctx context.Context, chk *Check, status Status, details map[string]any) string {
	if c.archiver == nil {
		return ""
	}
	record := map[string]any{
		"check_id":   chk.ID,
		"framework":  chk.Framework,
		"control":    chk.Control,
		"status":     string(status),
		"details":    details,
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(record)
	if err != nil {
		c.logger.Error("failed to marshal evidence", "check_id", chk.ID, "error", err)
		return ""
	}

	key := fmt.Sprintf("%s/%s/%d.json", chk.Framework, chk.ID, time.Now().UTC().UnixNano())
	ref, err := c.archiver.Archive(ctx, key, data)
	if err != nil {
		c.logger.Warn("evidence archive failed", "check_id", chk.ID, "error", err)
		return ""
	}
	return ref
}

// advance commits the check's bookkeeping in one update: status, actual
// result, LastCheck, NextCheck per the frequency table, the evidence
// reference, and the issue log for failing verdicts.
func (c *Checker) advance(ctx context.Context, checkID string, status Status, actual any, evidenceRef, description string) {
	_, err := c.store.Update(ctx, store.KindCompliance, checkID, func(v any) (any, error) {
		chk := v.(*Check)
		now := time.Now().UTC()
		chk.Status = status
		chk.ActualResult = actual
		chk.LastCheck = &now
		chk.NextCheck = now.Add(chk.Frequency.Interval())
		if evidenceRef != "" {
			chk.Evidence = append(chk.Evidence, evidenceRef)
		}
		if status == StatusNonCompliant || status == StatusError {
			severity := 7
			if status == StatusError {
				severity = 4
			}
			chk.Issues = append(chk.Issues, Issue{
				Time:        now,
				Severity:    severity,
				Description: description,
			})
		}
		chk.UpdatedAt = now
		return chk, nil
	})
	if err != nil {
		c.logger.Error("failed to advance check schedule", "check_id", checkID, "error", err)
	}
}

// announceChange publishes the lifecycle event and feeds a synthetic event
// back through the router so playbooks can react to compliance drift.
func (c *Checker) announceChange(ctx context.Context, chk *Check, from, to Status) {
	payload := map[string]any{
		"check_id":  chk.ID,
		"framework": chk.Framework,
		"control":   chk.Control,
		"from":      string(from),
		"to":        string(to),
	}
	if c.publisher != nil {
		c.publisher.Publish(ctx, "compliance.status_changed", payload)
	}

	if c.sink == nil {
		return
	}
	severity := 3
	switch to {
	case StatusNonCompliant:
		severity = 7
	case StatusError:
		severity = 5
	}
	event := schema.New("compliance.status_changed", "compliance_checker", severity, payload)
	event.Synthetic = true
	if err := c.sink.SubmitEvent(ctx, event); err != nil {
		c.logger.Warn("failed to submit synthetic event", "check_id", chk.ID, "error", err)
	}
}
