package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"sentinel-soar/internal/condition"
	"sentinel-soar/internal/engine"
	"sentinel-soar/internal/playbook"
	"sentinel-soar/internal/schema"
)

// Responder dispatches automated responses for a matching event. Implemented
// by the response dispatcher; kept as an interface so the router does not
// depend on rate-limit state.
type Responder interface {
	HandleEvent(ctx context.Context, event *schema.Event)
}

// Router matches incoming events against playbook triggers and hands
// matching playbooks to the engine's admission queue.
type Router struct {
	engine    *engine.Engine
	validator *schema.Validator
	responder Responder
	logger    *slog.Logger

	submitted uint64
	matched   uint64
	rejected  uint64
}

// New creates a router. responder may be nil when automated responses are
// disabled.
func New(eng *engine.Engine, validator *schema.Validator, responder Responder, logger *slog.Logger) *Router {
	return &Router{
		engine:    eng,
		validator: validator,
		responder: responder,
		logger:    logger.With("component", "router"),
	}
}

// SubmitEvent validates the event and triggers every matching enabled
// playbook. A playbook whose enqueue fails does not stop the others; the
// returned error joins the individual failures, including backpressure.
func (r *Router) SubmitEvent(ctx context.Context, event *schema.Event) error {
	atomic.AddUint64(&r.submitted, 1)

	if err := r.validator.Validate(event); err != nil {
		atomic.AddUint64(&r.rejected, 1)
		return err
	}

	evCtx := event.Context()
	pbs, err := r.engine.ListPlaybooks(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, pb := range pbs {
		if !pb.Enabled || !triggerMatches(pb, event, evCtx) {
			continue
		}
		atomic.AddUint64(&r.matched, 1)

		vars := bindVariables(pb, event, evCtx)
		execID, err := r.engine.Enqueue(ctx, pb.ID, "event:"+event.Type, playbook.TriggerEvent, vars)
		if err != nil {
			r.logger.Warn("failed to trigger playbook",
				"playbook_id", pb.ID, "event_type", event.Type, "error", err)
			errs = append(errs, err)
			continue
		}
		r.logger.Debug("playbook triggered",
			"playbook_id", pb.ID, "execution_id", execID, "event_type", event.Type)
	}

	if r.responder != nil {
		r.responder.HandleEvent(ctx, event)
	}
	return errors.Join(errs...)
}

// triggerMatches reports whether the playbook's trigger fires for the event.
// Event triggers require a type match plus any trigger conditions; condition
// triggers fire on conditions alone.
func triggerMatches(pb *playbook.Playbook, event *schema.Event, evCtx map[string]any) bool {
	t := pb.Trigger
	switch t.Type {
	case playbook.TriggerEvent, playbook.TriggerAlert:
		if !matchesType(t.Events, event.Type) {
			return false
		}
		return condition.EvaluateAll(t.Conditions, evCtx)
	case playbook.TriggerCondition:
		return condition.EvaluateAll(t.Conditions, evCtx)
	}
	return false
}

func matchesType(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if p == eventType || p == "*" {
			return true
		}
	}
	return false
}

// bindVariables builds the execution's trigger-supplied bindings: envelope
// fields always, plus any declared playbook variable present in the event
// context.
func bindVariables(pb *playbook.Playbook, event *schema.Event, evCtx map[string]any) map[string]any {
	vars := map[string]any{
		"event_id":   event.EventID.String(),
		"event_type": event.Type,
		"source":     event.Source,
		"severity":   event.Severity,
	}
	for _, v := range pb.Variables {
		if val, ok := evCtx[v.Name]; ok {
			vars[v.Name] = val
		}
	}
	return vars
}

// Stats reports router counters.
func (r *Router) Stats() map[string]any {
	return map[string]any{
		"submitted": atomic.LoadUint64(&r.submitted),
		"matched":   atomic.LoadUint64(&r.matched),
		"rejected":  atomic.LoadUint64(&r.rejected),
	}
}
