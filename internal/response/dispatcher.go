package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sentinel-soar/internal/capability"
	"sentinel-soar/internal/condition"
	"sentinel-soar/internal/schema"
	"sentinel-soar/internal/store"
)

var (
	// errCooldownActive aborts a dispatch whose cooldown has not elapsed.
	errCooldownActive = errors.New("cooldown active")
	// errLimitReached aborts a dispatch at its lifetime execution cap.
	errLimitReached = errors.New("execution limit reached")
)

// Publisher receives response.dispatched lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// Dispatcher matches events against automated responses and fires the
// surviving ones. The cooldown and cap checks and the counter bump happen in
// one store update, so two concurrent events can never both slip through a
// single remaining slot.
type Dispatcher struct {
	store     store.Store
	registry  *capability.Registry
	cooldowns CooldownStore
	publisher Publisher
	logger    *slog.Logger

	// mu guards recent, the per-trigger sliding windows backing
	// threshold aggregation.
	mu     sync.Mutex
	recent map[string][]time.Time
}

// NewDispatcher creates a dispatcher. cooldowns adds a distributed guard in
// multi-instance deployments and may be nil; publisher may be nil.
func NewDispatcher(st store.Store, registry *capability.Registry, cooldowns CooldownStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		registry:  registry,
		cooldowns: cooldowns,
		publisher: publisher,
		logger:    logger.With("component", "dispatcher"),
		recent:    make(map[string][]time.Time),
	}
}

// Create validates and stores an automated response.
func (d *Dispatcher) Create(ctx context.Context, r *AutomatedResponse) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	return d.store.Put(ctx, store.KindResponse, r.ID, r)
}

// Get returns a response by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*AutomatedResponse, error) {
	v, err := d.store.Get(ctx, store.KindResponse, id)
	if err != nil {
		return nil, err
	}
	return v.(*AutomatedResponse), nil
}

// List returns all responses sorted by id.
func (d *Dispatcher) List(ctx context.Context) ([]*AutomatedResponse, error) {
	items, err := d.store.List(ctx, store.KindResponse)
	if err != nil {
		return nil, err
	}
	rs := make([]*AutomatedResponse, 0, len(items))
	for _, v := range items {
		rs = append(rs, v.(*AutomatedResponse))
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	return rs, nil
}

// SetEnabled toggles a response.
func (d *Dispatcher) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := d.store.Update(ctx, store.KindResponse, id, func(v any) (any, error) {
		r := v.(*AutomatedResponse)
		r.Enabled = enabled
		r.UpdatedAt = time.Now().UTC()
		return r, nil
	})
	return err
}

// Delete removes a response.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	return d.store.Delete(ctx, store.KindResponse, id)
}

// HandleEvent fires every enabled response matching the event. One
// response's failure never blocks another's dispatch.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *schema.Event) {
	responses, err := d.List(ctx)
	if err != nil {
		d.logger.Error("failed to list responses", "error", err)
		return
	}

	evCtx := event.Context()
	for _, r := range responses {
		if !r.Enabled {
			continue
		}
		ti, ok := r.TriggerFor(event.Type)
		if !ok {
			continue
		}
		if !condition.EvaluateAll(r.Conditions, evCtx) {
			continue
		}
		if !d.thresholdMet(r.ID, ti, &r.Triggers[ti]) {
			d.logger.Debug("response below trigger threshold",
				"response_id", r.ID, "event_type", event.Type)
			continue
		}
		d.dispatch(ctx, r.ID, event, evCtx)
	}
}

// thresholdMet records the matching event on the trigger's sliding window
// and reports whether the window now holds enough events to fire. Triggers
// without a threshold fire on every match and keep no window.
func (d *Dispatcher) thresholdMet(responseID string, idx int, t *ResponseTrigger) bool {
	if t.Threshold <= 1 {
		return true
	}
	now := time.Now().UTC()
	cutoff := now.Add(-t.Window)
	key := fmt.Sprintf("%s/%d", responseID, idx)

	d.mu.Lock()
	defer d.mu.Unlock()
	window := append(d.recent[key], now)
	for len(window) > 0 && window[0].Before(cutoff) {
		window = window[1:]
	}
	d.recent[key] = window
	return len(window) >= t.Threshold
}

// dispatch reserves a firing slot atomically, then runs the actions in list
// order. The counter stays bumped even if an action fails; a failed firing
// still consumed its cooldown window. A denial by the shared cooldown store
// is the one case that hands the slot back.
func (d *Dispatcher) dispatch(ctx context.Context, id string, event *schema.Event, evCtx map[string]any) {
	now := time.Now().UTC()

	var prevLast *time.Time
	v, err := d.store.Update(ctx, store.KindResponse, id, func(cur any) (any, error) {
		r := cur.(*AutomatedResponse)
		if r.MaxExecutions > 0 && r.ExecutionCount >= r.MaxExecutions {
			return nil, errLimitReached
		}
		if r.Cooldown > 0 && r.LastExecuted != nil && now.Sub(*r.LastExecuted) < r.Cooldown {
			return nil, errCooldownActive
		}
		prevLast = r.LastExecuted
		r.ExecutionCount++
		r.LastExecuted = &now
		return r, nil
	})
	if err != nil {
		if errors.Is(err, errCooldownActive) || errors.Is(err, errLimitReached) {
			d.logger.Debug("response suppressed",
				"response_id", id, "event_type", event.Type, "reason", err)
		} else {
			d.logger.Error("response reservation failed", "response_id", id, "error", err)
		}
		return
	}
	r := v.(*AutomatedResponse)

	if d.cooldowns != nil {
		ok, err := d.cooldowns.Acquire(ctx, r.ID, r.Cooldown)
		if err != nil {
			d.logger.Warn("cooldown store unavailable, proceeding on local state",
				"response_id", r.ID, "error", err)
		} else if !ok {
			d.releaseReservation(ctx, r.ID, prevLast)
			d.logger.Debug("response suppressed by shared cooldown", "response_id", r.ID)
			return
		}
	}

	runErr, failedAction := d.runActions(ctx, r, evCtx)
	if runErr != nil {
		d.logger.Warn("response action failed",
			"response_id", r.ID, "action", failedAction, "error", runErr)
	} else {
		d.logger.Info("response dispatched",
			"response_id", r.ID, "actions", len(r.Actions), "event_type", event.Type)
	}

	d.recordOutcome(ctx, r.ID, runErr == nil)

	if d.publisher != nil {
		payload := map[string]any{
			"response_id": r.ID,
			"actions":     len(r.Actions),
			"event_id":    event.EventID.String(),
			"event_type":  event.Type,
			"succeeded":   runErr == nil,
		}
		if runErr != nil {
			payload["error"] = runErr.Error()
			payload["failed_action"] = failedAction
		}
		d.publisher.Publish(ctx, "response.dispatched", payload)
	}
}

// runActions invokes the actions in list order, each with its own timeout
// and retry budget. The first action that exhausts its retries stops the
// run; later actions are not attempted.
func (d *Dispatcher) runActions(ctx context.Context, r *AutomatedResponse, evCtx map[string]any) (error, string) {
	for i := range r.Actions {
		a := &r.Actions[i]
		var lastErr error
		attempts := a.Retries + 1
		for attempt := 1; attempt <= attempts; attempt++ {
			err := d.attemptAction(ctx, a, evCtx)
			if err == nil {
				lastErr = nil
				break
			}
			lastErr = err
			d.logger.Warn("response action attempt failed",
				"response_id", r.ID, "action", a.ActionType,
				"attempt", attempt, "max_attempts", attempts, "error", err)
			if ctx.Err() != nil {
				break
			}
		}
		if lastErr != nil {
			return lastErr, a.ActionType
		}
	}
	return nil, ""
}

func (d *Dispatcher) attemptAction(ctx context.Context, a *ResponseAction, evCtx map[string]any) error {
	actionCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	_, err := d.registry.Invoke(actionCtx, a.ActionType, a.Parameters, evCtx)
	return err
}

// recordOutcome folds a firing's result into the success counters.
func (d *Dispatcher) recordOutcome(ctx context.Context, id string, succeeded bool) {
	_, err := d.store.Update(ctx, store.KindResponse, id, func(cur any) (any, error) {
		r := cur.(*AutomatedResponse)
		if succeeded {
			r.SuccessCount++
		}
		if r.ExecutionCount > 0 {
			r.SuccessRate = float64(r.SuccessCount) / float64(r.ExecutionCount)
		}
		r.UpdatedAt = time.Now().UTC()
		return r, nil
	})
	if err != nil {
		d.logger.Error("failed to record response outcome", "response_id", id, "error", err)
	}
}

// releaseReservation hands back the slot taken by the local reservation
// after the shared cooldown store refused the firing.
func (d *Dispatcher) releaseReservation(ctx context.Context, id string, prevLast *time.Time) {
	_, err := d.store.Update(ctx, store.KindResponse, id, func(cur any) (any, error) {
		r := cur.(*AutomatedResponse)
		if r.ExecutionCount > 0 {
			r.ExecutionCount--
		}
		r.LastExecuted = prevLast
		return r, nil
	})
	if err != nil {
		d.logger.Error("failed to release response reservation", "response_id", id, "error", err)
	}
}
