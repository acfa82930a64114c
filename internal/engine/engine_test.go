package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sentinel-soar/internal/capability"
	"sentinel-soar/internal/condition"
	"sentinel-soar/internal/fault"
	"sentinel-soar/internal/playbook"
	"sentinel-soar/internal/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Type    string
	Payload map[string]any
}

func (p *capturePublisher) Publish(_ context.Context, eventType string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Payload: payload})
}

func (p *capturePublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *capability.Registry, *capturePublisher) {
	t.Helper()
	registry := capability.NewRegistry()
	pub := &capturePublisher{}
	e := New(cfg, store.NewMemoryStore(), registry, pub, testLogger())
	return e, registry, pub
}

func actionStep(id string, order int, actionType string) playbook.Step {
	return playbook.Step{
		ID:      id,
		Name:    id,
		Type:    playbook.StepAction,
		Order:   order,
		Enabled: true,
		Action:  &playbook.ActionConfig{ActionType: actionType},
	}
}

func basePlaybook(id string, steps ...playbook.Step) *playbook.Playbook {
	return &playbook.Playbook{
		ID:      id,
		Name:    id,
		Type:    playbook.TypeIncidentResponse,
		Enabled: true,
		Trigger: playbook.Trigger{Type: playbook.TriggerManual},
		Steps:   steps,
	}
}

func waitForStatus(t *testing.T, e *Engine, execID string, want playbook.ExecutionStatus) *playbook.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := e.GetExecution(context.Background(), execID)
		if err == nil && exec.Status == want {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, _ := e.GetExecution(context.Background(), execID)
	t.Fatalf("execution %s never reached %s (current: %+v)", execID, want, exec)
	return nil
}

func TestSequentialExecutionCompletes(t *testing.T) {
	e, registry, pub := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a1", "a2", "a3", "a4"} {
		name := name
		registry.Register(name, func(ctx context.Context, params, vars map[string]any) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]any{name + "_done": true}, nil
		})
	}

	pb := basePlaybook("pb-seq",
		actionStep("s1", 1, "a1"),
		actionStep("s2", 2, "a2"),
		actionStep("s3", 3, "a3"),
		actionStep("s4", 4, "a4"),
	)
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatalf("CreatePlaybook failed: %v", err)
	}

	e.Start()
	defer e.Stop()

	execID, err := e.Enqueue(ctx, "pb-seq", "manual", playbook.TriggerManual, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	exec := waitForStatus(t, e, execID, playbook.ExecutionCompleted)

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 4 || got[0] != "a1" || got[3] != "a4" {
		t.Errorf("steps ran out of order: %v", got)
	}
	if len(exec.StepResults) != 4 {
		t.Fatalf("expected 4 step results, got %d", len(exec.StepResults))
	}
	for _, r := range exec.StepResults {
		if r.Status != playbook.StepCompleted {
			t.Errorf("step %s status %s", r.StepID, r.Status)
		}
	}
	// Outputs feed forward into variables.
	if exec.Variables["a1_done"] != true {
		t.Error("step output not merged into variables")
	}

	stored, _ := e.GetPlaybook(ctx, "pb-seq")
	if stored.ExecutionCount != 1 || stored.SuccessCount != 1 || stored.SuccessRate != 1.0 {
		t.Errorf("playbook totals wrong: count=%d success=%d rate=%f",
			stored.ExecutionCount, stored.SuccessCount, stored.SuccessRate)
	}
	if stored.LastExecuted == nil {
		t.Error("LastExecuted not set")
	}

	evs := pub.byType("execution.completed")
	if len(evs) != 1 {
		t.Fatalf("expected one completed event, got %d", len(evs))
	}
	if evs[0].Payload["execution_id"] != execID {
		t.Errorf("event payload wrong: %v", evs[0].Payload)
	}
}

func TestRetryThenFailureEdge(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	var attempts int32
	var mu sync.Mutex
	registry.Register("flaky", func(ctx context.Context, params, vars map[string]any) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("always fails")
	})
	cleanupRan := false
	registry.Register("cleanup", func(ctx context.Context, params, vars map[string]any) (any, error) {
		mu.Lock()
		cleanupRan = true
		mu.Unlock()
		return nil, nil
	})

	flaky := actionStep("flaky", 1, "flaky")
	flaky.Retries = 2
	flaky.OnFailure = "cleanup"
	pb := basePlaybook("pb-retry", flaky, actionStep("cleanup", 2, "cleanup"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, err := e.Enqueue(ctx, "pb-retry", "manual", playbook.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec := waitForStatus(t, e, execID, playbook.ExecutionCompleted)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	if !cleanupRan {
		t.Error("failure edge target never ran")
	}
	rec, ok := exec.Result("flaky")
	if !ok || rec.Status != playbook.StepFailed || rec.RetryCount != 2 {
		t.Errorf("flaky step record wrong: %+v", rec)
	}
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	e, registry, pub := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	registry.Register("broken", func(ctx context.Context, params, vars map[string]any) (any, error) {
		return nil, errors.New("no such host")
	})

	broken := actionStep("broken", 1, "broken")
	broken.Retries = 1
	pb := basePlaybook("pb-fail", broken)
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-fail", "manual", playbook.TriggerManual, nil)
	exec := waitForStatus(t, e, execID, playbook.ExecutionFailed)
	if exec.Error == "" {
		t.Error("failed execution should carry the step error")
	}

	stored, _ := e.GetPlaybook(ctx, "pb-fail")
	if stored.ExecutionCount != 1 || stored.SuccessCount != 0 {
		t.Errorf("totals wrong after failure: %+v", stored)
	}
	if len(pub.byType("execution.failed")) != 1 {
		t.Error("expected execution.failed event")
	}
}

func TestConditionBranching(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	var mu sync.Mutex
	ran := map[string]bool{}
	for _, name := range []string{"quarantine", "notify_only"} {
		name := name
		registry.Register(name, func(ctx context.Context, params, vars map[string]any) (any, error) {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return nil, nil
		})
	}

	branch := playbook.Step{
		ID: "triage", Name: "triage", Type: playbook.StepCondition, Order: 1, Enabled: true,
		Condition: &playbook.ConditionConfig{
			Conditions: []condition.Condition{{Field: "severity", Operator: "greater_than", Value: 7}},
			TrueStep:   "quarantine",
			FalseStep:  "notify_only",
		},
	}
	q := actionStep("quarantine", 2, "quarantine")
	q.OnSuccess = "end"
	n := actionStep("notify_only", 3, "notify_only")
	n.OnSuccess = "end"
	end := playbook.Step{ID: "end", Name: "end", Type: playbook.StepCondition, Order: 4, Enabled: true,
		Condition: &playbook.ConditionConfig{
			Conditions: []condition.Condition{{Field: "severity", Operator: "exists"}},
		}}

	pb := basePlaybook("pb-branch", branch, q, n, end)
	pb.Variables = []playbook.Variable{{Name: "severity", Type: "number", Required: true}}
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, err := e.Enqueue(ctx, "pb-branch", "manual", playbook.TriggerManual, map[string]any{"severity": 9})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e, execID, playbook.ExecutionCompleted)

	mu.Lock()
	defer mu.Unlock()
	if !ran["quarantine"] {
		t.Error("true branch should have run")
	}
	if ran["notify_only"] {
		t.Error("false branch ran on true outcome")
	}
}

func TestCooperativeCancel(t *testing.T) {
	e, registry, pub := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	registry.Register("slow", func(ctx context.Context, params, vars map[string]any) (any, error) {
		close(started)
		<-release
		return map[string]any{"slow_done": true}, nil
	})
	registry.Register("never", func(ctx context.Context, params, vars map[string]any) (any, error) {
		t.Error("step after cancel should not run")
		return nil, nil
	})

	pb := basePlaybook("pb-cancel",
		actionStep("slow", 1, "slow"),
		actionStep("never", 2, "never"),
	)
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, err := e.Enqueue(ctx, "pb-cancel", "manual", playbook.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-started
	if err := e.Cancel(ctx, execID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(release)

	exec := waitForStatus(t, e, execID, playbook.ExecutionCancelled)

	// The in-flight step finished its attempt before the boundary check.
	rec, ok := exec.Result("slow")
	if !ok || rec.Status != playbook.StepCompleted {
		t.Errorf("in-flight step should complete, got %+v", rec)
	}
	if _, ok := exec.Result("never"); ok {
		t.Error("subsequent step ran after cancellation")
	}
	if len(pub.byType("execution.cancelled")) != 1 {
		t.Error("expected execution.cancelled event")
	}

	// Terminal invariant: cancelling again is a no-op.
	if err := e.Cancel(ctx, execID); err != nil {
		t.Errorf("Cancel on terminal execution errored: %v", err)
	}
	after, _ := e.GetExecution(ctx, execID)
	if after.Status != playbook.ExecutionCancelled {
		t.Errorf("terminal status changed to %s", after.Status)
	}
}

func TestHumanTaskSignal(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	registry.Register("close_ticket", func(ctx context.Context, params, vars map[string]any) (any, error) {
		return nil, nil
	})

	task := playbook.Step{
		ID: "approve", Name: "approve", Type: playbook.StepHumanTask, Order: 1, Enabled: true,
		HumanTask: &playbook.HumanTaskConfig{Assignee: "soc-lead"},
	}
	pb := basePlaybook("pb-human", task, actionStep("close", 2, "close_ticket"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-human", "manual", playbook.TriggerManual, nil)
	waitForStatus(t, e, execID, playbook.ExecutionPaused)

	if err := e.Signal(ctx, execID, "approve", map[string]any{"approved": true}, nil); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	exec := waitForStatus(t, e, execID, playbook.ExecutionCompleted)
	if exec.Variables["approved"] != true {
		t.Error("signal result not merged into variables")
	}

	if err := e.Signal(ctx, execID, "approve", nil, nil); !fault.IsNotFound(err) {
		t.Errorf("Signal on finished execution should be NotFound, got %v", err)
	}
}

func TestWaitStep(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	registry.Register("after", func(ctx context.Context, params, vars map[string]any) (any, error) {
		return nil, nil
	})

	wait := playbook.Step{
		ID: "pause", Name: "pause", Type: playbook.StepWait, Order: 1, Enabled: true,
		Wait: &playbook.WaitConfig{Duration: 30 * time.Millisecond},
	}
	pb := basePlaybook("pb-wait", wait, actionStep("after", 2, "after"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	start := time.Now()
	execID, _ := e.Enqueue(ctx, "pb-wait", "manual", playbook.TriggerManual, nil)
	waitForStatus(t, e, execID, playbook.ExecutionCompleted)
	if time.Since(start) < 30*time.Millisecond {
		t.Error("wait step did not delay the execution")
	}
}

func TestLoopStep(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var iters []int
	registry.Register("scan_page", func(ctx context.Context, params, vars map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		i, _ := vars["page"].(int)
		iters = append(iters, i)
		if len(iters) == 3 {
			return map[string]any{"exhausted": true}, nil
		}
		return nil, nil
	})

	loop := playbook.Step{
		ID: "paginate", Name: "paginate", Type: playbook.StepLoop, Order: 1, Enabled: true,
		Loop: &playbook.LoopConfig{
			Steps:         []string{"scan"},
			MaxIterations: 10,
			IteratorVar:   "page",
			BreakConditions: []condition.Condition{
				{Field: "exhausted", Operator: "equals", Value: true},
			},
		},
	}
	pb := basePlaybook("pb-loop", loop, actionStep("scan", 2, "scan_page"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-loop", "manual", playbook.TriggerManual, nil)
	exec := waitForStatus(t, e, execID, playbook.ExecutionCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(iters) != 3 {
		t.Fatalf("expected break after 3 iterations, got %d", len(iters))
	}
	if iters[0] != 0 || iters[2] != 2 {
		t.Errorf("iterator variable wrong: %v", iters)
	}
	rec, _ := exec.Result("paginate")
	if out, ok := rec.Output.(map[string]any); !ok || out["iterations"] != 3 {
		t.Errorf("loop output wrong: %v", rec.Output)
	}
}

func TestParallelWaitForAll(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	var mu sync.Mutex
	ran := map[string]bool{}
	for _, name := range []string{"isolate", "snapshot", "after_all"} {
		name := name
		registry.Register(name, func(ctx context.Context, params, vars map[string]any) (any, error) {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return nil, nil
		})
	}

	par := playbook.Step{
		ID: "containment", Name: "containment", Type: playbook.StepParallel, Order: 1, Enabled: true,
		Parallel: &playbook.ParallelConfig{
			Steps:      []string{"b1", "b2"},
			WaitForAll: true,
		},
	}
	pb := basePlaybook("pb-par", par,
		actionStep("b1", 2, "isolate"),
		actionStep("b2", 3, "snapshot"),
		actionStep("final", 4, "after_all"),
	)
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-par", "manual", playbook.TriggerManual, nil)
	exec := waitForStatus(t, e, execID, playbook.ExecutionCompleted)

	mu.Lock()
	defer mu.Unlock()
	if !ran["isolate"] || !ran["snapshot"] || !ran["after_all"] {
		t.Errorf("missing steps: %v", ran)
	}
	// Branch results recorded once each; step after the fan-in ran last.
	if _, ok := exec.Result("b1"); !ok {
		t.Error("branch result missing")
	}
}

func TestParallelBranchFailureFailsStep(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	registry.Register("ok", func(ctx context.Context, params, vars map[string]any) (any, error) {
		return nil, nil
	})
	registry.Register("bad", func(ctx context.Context, params, vars map[string]any) (any, error) {
		return nil, errors.New("branch failed")
	})

	par := playbook.Step{
		ID: "fanout", Name: "fanout", Type: playbook.StepParallel, Order: 1, Enabled: true,
		Parallel: &playbook.ParallelConfig{
			Steps:      []string{"g", "b"},
			WaitForAll: true,
		},
	}
	pb := basePlaybook("pb-parfail", par, actionStep("g", 2, "ok"), actionStep("b", 3, "bad"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-parfail", "manual", playbook.TriggerManual, nil)
	waitForStatus(t, e, execID, playbook.ExecutionFailed)
}

func TestDetachedBranchCannotResurrectFinishedExecution(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	registry.Register("quick", capability.NoopAction())

	// The fan-out proceeds immediately; the wait branch outlives the
	// execution and must be dropped when it finally finishes.
	slow := playbook.Step{
		ID: "slow", Name: "slow", Type: playbook.StepWait, Order: 2, Enabled: true,
		Wait: &playbook.WaitConfig{Duration: 300 * time.Millisecond},
	}
	par := playbook.Step{
		ID: "fanout", Name: "fanout", Type: playbook.StepParallel, Order: 1, Enabled: true,
		Parallel: &playbook.ParallelConfig{
			Steps:      []string{"slow"},
			WaitForAll: false,
		},
	}
	pb := basePlaybook("pb-detach", par, slow, actionStep("final", 3, "quick"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-detach", "manual", playbook.TriggerManual, nil)
	exec := waitForStatus(t, e, execID, playbook.ExecutionCompleted)
	if exec.CompletedAt == nil {
		t.Fatal("completed execution missing CompletedAt")
	}
	finishedAt := *exec.CompletedAt

	// Let the detached branch fire well past the terminal transition.
	time.Sleep(500 * time.Millisecond)

	after, err := e.GetExecution(ctx, execID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != playbook.ExecutionCompleted {
		t.Fatalf("terminal status overwritten: %s", after.Status)
	}
	if after.CompletedAt == nil || !after.CompletedAt.Equal(finishedAt) {
		t.Errorf("CompletedAt changed after finish: %v", after.CompletedAt)
	}
	if rec, ok := after.Result("slow"); ok && rec.Status == playbook.StepCompleted {
		t.Error("detached branch result merged into a finished execution")
	}
}

func TestGetExecutionReturnsIndependentCopy(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	registry.Register("noop", capability.NoopAction())
	pb := basePlaybook("pb-copy", actionStep("s", 1, "noop"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-copy", "manual", playbook.TriggerManual,
		map[string]any{"host": "web-01"})
	exec := waitForStatus(t, e, execID, playbook.ExecutionCompleted)

	// Scribbling on the returned record must not touch the stored one.
	exec.Status = playbook.ExecutionFailed
	exec.Variables["host"] = "tampered"
	exec.StepResults = nil

	fresh, err := e.GetExecution(ctx, execID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Status != playbook.ExecutionCompleted {
		t.Errorf("stored status mutated through a read: %s", fresh.Status)
	}
	if fresh.Variables["host"] != "web-01" {
		t.Errorf("stored variables mutated through a read: %v", fresh.Variables)
	}
	if len(fresh.StepResults) == 0 {
		t.Error("stored step results mutated through a read")
	}

	listed, _ := e.ListExecutions(ctx, "pb-copy", "")
	if len(listed) != 1 {
		t.Fatalf("expected one execution, got %d", len(listed))
	}
	listed[0].Status = playbook.ExecutionCancelled
	fresh, _ = e.GetExecution(ctx, execID)
	if fresh.Status != playbook.ExecutionCompleted {
		t.Error("stored status mutated through a list")
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	e, registry, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	registry.Register("noop", capability.NoopAction())
	pb := basePlaybook("pb-bp", actionStep("s", 1, "noop"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	// Worker not started: requests pile up in the buffer.
	for i := 0; i < 2; i++ {
		if _, err := e.Enqueue(ctx, "pb-bp", "manual", playbook.TriggerManual, nil); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	execID, err := e.Enqueue(ctx, "pb-bp", "manual", playbook.TriggerManual, nil)
	if !errors.Is(err, fault.ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
	if execID != "" {
		t.Error("rejected enqueue should not return an execution id")
	}

	// The rejected request leaves no orphan record.
	execs, _ := e.ListExecutions(ctx, "pb-bp", "")
	if len(execs) != 2 {
		t.Errorf("expected 2 pending executions, got %d", len(execs))
	}
}

func TestEnqueueValidation(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	registry.Register("noop", capability.NoopAction())

	if _, err := e.Enqueue(ctx, "nope", "manual", playbook.TriggerManual, nil); !fault.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	pb := basePlaybook("pb-dis", actionStep("s", 1, "noop"))
	pb.Enabled = false
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue(ctx, "pb-dis", "manual", playbook.TriggerManual, nil); !fault.IsValidation(err) {
		t.Errorf("expected ValidationError for disabled playbook, got %v", err)
	}

	pb2 := basePlaybook("pb-req", actionStep("s", 1, "noop"))
	pb2.Variables = []playbook.Variable{{Name: "host", Type: "string", Required: true}}
	if err := e.CreatePlaybook(ctx, pb2); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue(ctx, "pb-req", "manual", playbook.TriggerManual, nil); !fault.IsValidation(err) {
		t.Errorf("expected ValidationError for missing required variable, got %v", err)
	}
}

func TestCreatePlaybookUnknownAction(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	pb := basePlaybook("pb-unknown", actionStep("s", 1, "not_registered"))
	err := e.CreatePlaybook(context.Background(), pb)
	if !fault.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdatePlaybookBumpsVersion(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	registry.Register("noop", capability.NoopAction())

	pb := basePlaybook("pb-ver", actionStep("s", 1, "noop"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	edited := basePlaybook("pb-ver", actionStep("s", 1, "noop"), actionStep("s2", 2, "noop"))
	if err := e.UpdatePlaybook(ctx, edited); err != nil {
		t.Fatalf("UpdatePlaybook failed: %v", err)
	}
	stored, _ := e.GetPlaybook(ctx, "pb-ver")
	if stored.Version != 2 {
		t.Errorf("expected version 2, got %d", stored.Version)
	}
	if len(stored.Steps) != 2 {
		t.Error("definition not replaced")
	}
}

func TestDeletePlaybookWithHistoryDisables(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	registry.Register("noop", capability.NoopAction())

	pb := basePlaybook("pb-del", actionStep("s", 1, "noop"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	execID, _ := e.Enqueue(ctx, "pb-del", "manual", playbook.TriggerManual, nil)
	waitForStatus(t, e, execID, playbook.ExecutionCompleted)

	if err := e.DeletePlaybook(ctx, "pb-del"); err != nil {
		t.Fatalf("DeletePlaybook failed: %v", err)
	}
	stored, err := e.GetPlaybook(ctx, "pb-del")
	if err != nil {
		t.Fatal("playbook with history should survive as disabled")
	}
	if stored.Enabled {
		t.Error("playbook should be disabled, not deleted")
	}

	// No history: hard delete.
	pb2 := basePlaybook("pb-del2", actionStep("s", 1, "noop"))
	if err := e.CreatePlaybook(ctx, pb2); err != nil {
		t.Fatal(err)
	}
	if err := e.DeletePlaybook(ctx, "pb-del2"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetPlaybook(ctx, "pb-del2"); !fault.IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

func TestStats(t *testing.T) {
	e, registry, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	registry.Register("noop", capability.NoopAction())

	pb := basePlaybook("pb-stats", actionStep("s", 1, "noop"))
	if err := e.CreatePlaybook(ctx, pb); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	for i := 0; i < 3; i++ {
		execID, err := e.Enqueue(ctx, "pb-stats", fmt.Sprintf("test-%d", i), playbook.TriggerManual, nil)
		if err != nil {
			t.Fatal(err)
		}
		waitForStatus(t, e, execID, playbook.ExecutionCompleted)
	}

	stats := e.Stats(ctx)
	byStatus := stats["executions_by_status"].(map[string]int)
	if byStatus["completed"] != 3 {
		t.Errorf("expected 3 completed, got %v", byStatus)
	}
}
