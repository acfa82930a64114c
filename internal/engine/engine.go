// Package engine runs playbook executions. It owns the admission queue, the
// step state machine, and the execution lifecycle from pending through a
// terminal status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sentinel-soar/internal/capability"
	"sentinel-soar/internal/fault"
	"sentinel-soar/internal/playbook"
	"sentinel-soar/internal/queue"
	"sentinel-soar/internal/store"
)

// Publisher receives lifecycle events as executions reach terminal states.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// Config controls engine behavior.
type Config struct {
	QueueSize    int           `yaml:"queue_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1000,
		ShutdownWait: 30 * time.Second,
	}
}

// Engine validates playbooks, admits executions through a bounded queue, and
// drives each admitted execution on its own goroutine.
type Engine struct {
	cfg       Config
	store     store.Store
	registry  *capability.Registry
	publisher Publisher
	logger    *slog.Logger

	buffer *queue.RingBuffer
	worker *queue.Worker

	mu      sync.Mutex
	running map[string]*track
	wg      sync.WaitGroup
	started bool
}

// track holds per-execution control state while the execution is live. mu
// guards the execution record once parallel branches share it.
type track struct {
	stop    chan struct{} // closed by Cancel; observed between steps
	signals chan signal   // human task completions
	once    sync.Once
	mu      sync.Mutex
}

type signal struct {
	stepID string
	result map[string]any
	err    error
}

func (t *track) cancel() {
	t.once.Do(func() { close(t.stop) })
}

// New creates an engine. publisher may be nil.
func New(cfg Config, st store.Store, registry *capability.Registry, publisher Publisher, logger *slog.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = DefaultConfig().ShutdownWait
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		publisher: publisher,
		logger:    logger.With("component", "engine"),
		buffer:    queue.NewRingBuffer(cfg.QueueSize),
		running:   make(map[string]*track),
	}
	e.worker = queue.NewWorker(e.buffer, e.admit, logger)
	return e
}

// Start launches the admission worker.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.worker.Start()
	e.logger.Info("engine started", "queue_size", e.cfg.QueueSize)
}

// Stop drains the admission worker and waits up to ShutdownWait for live
// executions to finish. Executions still running after the deadline are
// cancelled cooperatively and left to terminate on their own.
func (e *Engine) Stop() {
	e.worker.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownWait):
		e.logger.Warn("shutdown deadline reached, cancelling live executions")
		e.mu.Lock()
		for _, t := range e.running {
			t.cancel()
		}
		e.mu.Unlock()
		<-done
	}
	e.logger.Info("engine stopped")
}

// CreatePlaybook validates and stores a playbook. Action steps must
// reference registered capabilities.
func (e *Engine) CreatePlaybook(ctx context.Context, pb *playbook.Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	for i := range pb.Steps {
		s := &pb.Steps[i]
		if s.Type == playbook.StepAction && !e.registry.Has(s.Action.ActionType) {
			return fault.NewValidation("step", "step %q: unknown action type %q", s.ID, s.Action.ActionType)
		}
	}
	if _, err := e.store.Get(ctx, store.KindPlaybook, pb.ID); err == nil {
		return fault.NewValidation("playbook", "playbook %q already exists", pb.ID)
	}

	now := time.Now().UTC()
	pb.CreatedAt = now
	pb.UpdatedAt = now
	if pb.Version == 0 {
		pb.Version = 1
	}
	if err := e.store.Put(ctx, store.KindPlaybook, pb.ID, pb); err != nil {
		return err
	}
	e.logger.Info("playbook created", "playbook_id", pb.ID, "name", pb.Name)
	return nil
}

// GetPlaybook returns a playbook by id.
func (e *Engine) GetPlaybook(ctx context.Context, id string) (*playbook.Playbook, error) {
	v, err := e.store.Get(ctx, store.KindPlaybook, id)
	if err != nil {
		return nil, err
	}
	return v.(*playbook.Playbook), nil
}

// ListPlaybooks returns all playbooks sorted by id.
func (e *Engine) ListPlaybooks(ctx context.Context) ([]*playbook.Playbook, error) {
	items, err := e.store.List(ctx, store.KindPlaybook)
	if err != nil {
		return nil, err
	}
	pbs := make([]*playbook.Playbook, 0, len(items))
	for _, v := range items {
		pbs = append(pbs, v.(*playbook.Playbook))
	}
	sort.Slice(pbs, func(i, j int) bool { return pbs[i].ID < pbs[j].ID })
	return pbs, nil
}

// UpdatePlaybook replaces a playbook definition, bumping its version.
// Execution totals carry over from the stored copy.
func (e *Engine) UpdatePlaybook(ctx context.Context, pb *playbook.Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	_, err := e.store.Update(ctx, store.KindPlaybook, pb.ID, func(v any) (any, error) {
		current := v.(*playbook.Playbook)
		pb.Version = current.Version + 1
		pb.ExecutionCount = current.ExecutionCount
		pb.SuccessCount = current.SuccessCount
		pb.SuccessRate = current.SuccessRate
		pb.LastExecuted = current.LastExecuted
		pb.CreatedAt = current.CreatedAt
		pb.UpdatedAt = time.Now().UTC()
		return pb, nil
	})
	return err
}

// SetPlaybookEnabled toggles a playbook without touching its definition.
func (e *Engine) SetPlaybookEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := e.store.Update(ctx, store.KindPlaybook, id, func(v any) (any, error) {
		pb := v.(*playbook.Playbook)
		pb.Enabled = enabled
		pb.UpdatedAt = time.Now().UTC()
		return pb, nil
	})
	return err
}

// DeletePlaybook removes a playbook. A playbook that executions still
// reference is disabled instead of removed, so execution history stays
// resolvable.
func (e *Engine) DeletePlaybook(ctx context.Context, id string) error {
	if _, err := e.store.Get(ctx, store.KindPlaybook, id); err != nil {
		return err
	}

	execs, err := e.ListExecutions(ctx, id, "")
	if err != nil {
		return err
	}
	if len(execs) > 0 {
		e.logger.Info("playbook referenced by executions, disabling instead of deleting",
			"playbook_id", id, "executions", len(execs))
		return e.SetPlaybookEnabled(ctx, id, false)
	}
	return e.store.Delete(ctx, store.KindPlaybook, id)
}

// Enqueue creates a pending execution and submits it for admission. Returns
// the execution id. A full queue surfaces fault.ErrBackpressure; the
// execution record is not left behind.
func (e *Engine) Enqueue(ctx context.Context, playbookID, triggeredBy string, trigger playbook.TriggerType, vars map[string]any) (string, error) {
	pb, err := e.GetPlaybook(ctx, playbookID)
	if err != nil {
		return "", err
	}
	if !pb.Enabled {
		return "", fault.NewValidation("playbook", "playbook %q is disabled", playbookID)
	}
	for _, v := range pb.Variables {
		if v.Required {
			merged := vars[v.Name]
			if merged == nil && v.Default == nil {
				return "", fault.NewValidation("execution", "required variable %q not provided", v.Name)
			}
		}
	}

	exec := playbook.NewExecution(pb, triggeredBy, trigger, vars)
	if err := e.store.Put(ctx, store.KindExecution, exec.ID, exec.Clone()); err != nil {
		return "", err
	}

	req := &queue.Request{
		ExecutionID: exec.ID,
		PlaybookID:  playbookID,
		TriggeredBy: triggeredBy,
		Variables:   vars,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := e.buffer.Push(req); err != nil {
		_ = e.store.Delete(ctx, store.KindExecution, exec.ID)
		if errors.Is(err, queue.ErrQueueFull) {
			return "", fmt.Errorf("playbook %s: %w", playbookID, fault.ErrBackpressure)
		}
		return "", err
	}

	e.logger.Debug("execution enqueued",
		"execution_id", exec.ID, "playbook_id", playbookID, "triggered_by", triggeredBy)
	return exec.ID, nil
}

// admit is the queue worker callback. It registers control state for the
// execution and launches its run loop on a fresh goroutine.
func (e *Engine) admit(ctx context.Context, req *queue.Request) {
	t := &track{
		stop:    make(chan struct{}),
		signals: make(chan signal, 4),
	}

	e.mu.Lock()
	e.running[req.ExecutionID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, req.ExecutionID)
			e.mu.Unlock()
		}()
		e.run(context.Background(), req, t)
	}()
}

// GetExecution returns a stable copy of an execution by id. Copies keep
// callers from observing mid-run mutation of a live record.
func (e *Engine) GetExecution(ctx context.Context, id string) (*playbook.Execution, error) {
	v, err := e.store.Get(ctx, store.KindExecution, id)
	if err != nil {
		return nil, err
	}
	return v.(*playbook.Execution).Clone(), nil
}

// ListExecutions returns executions, optionally filtered by playbook id and
// status, newest first.
func (e *Engine) ListExecutions(ctx context.Context, playbookID string, status playbook.ExecutionStatus) ([]*playbook.Execution, error) {
	items, err := e.store.List(ctx, store.KindExecution)
	if err != nil {
		return nil, err
	}
	execs := make([]*playbook.Execution, 0, len(items))
	for _, v := range items {
		ex := v.(*playbook.Execution)
		if playbookID != "" && ex.PlaybookID != playbookID {
			continue
		}
		if status != "" && ex.Status != status {
			continue
		}
		execs = append(execs, ex.Clone())
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.After(execs[j].StartedAt) })
	return execs, nil
}

// Cancel requests cooperative cancellation. The current step finishes its
// attempt; the execution transitions to cancelled at the next step boundary.
// Cancelling an execution that already reached a terminal status is a no-op.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	e.mu.Lock()
	t, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		t.cancel()
		return nil
	}

	// Still pending in the queue: mark it so admission drops it. The stored
	// record is replaced, never mutated in place, so concurrent readers
	// holding the old copy stay consistent.
	_, err = e.store.Update(ctx, store.KindExecution, executionID, func(v any) (any, error) {
		ex := v.(*playbook.Execution)
		if ex.Status.IsTerminal() {
			return ex, nil
		}
		next := ex.Clone()
		now := time.Now().UTC()
		next.Status = playbook.ExecutionCancelled
		next.CompletedAt = &now
		next.AppendLog("execution cancelled while queued")
		return next, nil
	})
	return err
}

// Signal completes a waiting human task step. result is merged into the
// execution variables; err marks the task as failed instead.
func (e *Engine) Signal(ctx context.Context, executionID, stepID string, result map[string]any, taskErr error) error {
	e.mu.Lock()
	t, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return fault.NewNotFound("execution", executionID)
	}

	select {
	case t.signals <- signal{stepID: stepID, result: result, err: taskErr}:
		return nil
	default:
		return fmt.Errorf("execution %s is not waiting for a signal", executionID)
	}
}

// Stats reports engine counters for the status endpoint and CLI.
func (e *Engine) Stats(ctx context.Context) map[string]any {
	e.mu.Lock()
	live := len(e.running)
	e.mu.Unlock()

	stats := map[string]any{
		"live_executions": live,
		"queue":           e.buffer.Metrics(),
	}

	byStatus := make(map[string]int)
	if items, err := e.store.List(ctx, store.KindExecution); err == nil {
		for _, v := range items {
			byStatus[string(v.(*playbook.Execution).Status)]++
		}
	}
	stats["executions_by_status"] = byStatus
	return stats
}

func (e *Engine) publish(ctx context.Context, eventType string, payload map[string]any) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ctx, eventType, payload)
}
