package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sentinel-soar/internal/condition"
	"sentinel-soar/internal/fault"
	"sentinel-soar/internal/playbook"
	"sentinel-soar/internal/queue"
	"sentinel-soar/internal/store"
)

// errCancelled flows out of a parked step when Cancel fires. It is never
// retried and maps to the cancelled terminal status.
var errCancelled = errors.New("execution cancelled")

// errFinished aborts a step whose execution already reached a terminal
// status. Detached parallel branches hit this after the main flow finalizes.
var errFinished = errors.New("execution already finished")

const defaultPollInterval = 5 * time.Second

// run drives one execution from running to a terminal status. Cancellation
// is cooperative: t.stop is checked between steps, so the step in flight
// always finishes its attempt.
func (e *Engine) run(ctx context.Context, req *queue.Request, t *track) {
	exec, err := e.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		e.logger.Error("admitted execution missing", "execution_id", req.ExecutionID, "error", err)
		return
	}
	if exec.Status.IsTerminal() {
		// Cancelled while still queued.
		return
	}

	pb, err := e.GetPlaybook(ctx, exec.PlaybookID)
	if err != nil {
		e.finalize(ctx, exec, nil, t, playbook.ExecutionFailed, err.Error())
		return
	}
	if !pb.Enabled {
		e.finalize(ctx, exec, pb, t, playbook.ExecutionFailed, "playbook disabled before admission")
		return
	}

	t.mu.Lock()
	exec.Status = playbook.ExecutionRunning
	exec.AppendLog(fmt.Sprintf("execution started (triggered by %s)", exec.TriggeredBy))
	t.mu.Unlock()
	e.persist(ctx, exec, t)
	e.logger.Info("execution started",
		"execution_id", exec.ID, "playbook_id", pb.ID, "triggered_by", exec.TriggeredBy)

	steps := orderedSteps(pb)
	contained := containedSteps(pb)
	pos := make(map[string]int, len(steps))
	for i, s := range steps {
		pos[s.ID] = i
	}

	cur := 0
	jumped := false
	for cur < len(steps) {
		select {
		case <-t.stop:
			e.finalize(ctx, exec, pb, t, playbook.ExecutionCancelled, "")
			return
		default:
		}

		s := steps[cur]
		if contained[s.ID] && !jumped {
			// Runs only through its loop or parallel container.
			cur++
			continue
		}
		jumped = false

		if !s.Enabled {
			t.mu.Lock()
			exec.StepResults = append(exec.StepResults, playbook.StepExecution{
				StepID: s.ID, Status: playbook.StepSkipped, StartedAt: time.Now().UTC(),
			})
			exec.AppendLog(fmt.Sprintf("step %s skipped (disabled)", s.ID))
			t.mu.Unlock()
			cur++
			continue
		}

		next, err := e.runStep(ctx, pb, exec, s, t)
		e.persist(ctx, exec, t)

		if err != nil {
			if errors.Is(err, errCancelled) {
				e.finalize(ctx, exec, pb, t, playbook.ExecutionCancelled, "")
				return
			}
			if s.OnFailure != "" {
				e.logger.Warn("step failed, following failure edge",
					"execution_id", exec.ID, "step_id", s.ID, "next", s.OnFailure, "error", err)
				cur = pos[s.OnFailure]
				jumped = true
				continue
			}
			e.finalize(ctx, exec, pb, t, playbook.ExecutionFailed,
				fmt.Sprintf("step %s: %v", s.ID, err))
			return
		}

		if next != "" {
			if idx, ok := pos[next]; ok {
				cur = idx
				jumped = true
				continue
			}
		}
		if s.OnSuccess != "" {
			cur = pos[s.OnSuccess]
			jumped = true
			continue
		}
		cur++
	}

	e.finalize(ctx, exec, pb, t, playbook.ExecutionCompleted, "")
}

// runStep executes one step with retries. It returns an explicit next step
// id when the step dictates a jump (condition branches), or "" for default
// flow. All of a step's attempts are recorded on one StepExecution. Safe to
// call from parallel branches; record updates go through t.mu, and a branch
// that outlives the execution's terminal status writes nothing.
func (e *Engine) runStep(ctx context.Context, pb *playbook.Playbook, exec *playbook.Execution, s *playbook.Step, t *track) (string, error) {
	t.mu.Lock()
	if exec.Status.IsTerminal() {
		t.mu.Unlock()
		return "", errFinished
	}
	exec.CurrentStep = s.ID
	exec.StepResults = append(exec.StepResults, playbook.StepExecution{
		StepID:    s.ID,
		Status:    playbook.StepRunning,
		StartedAt: time.Now().UTC(),
	})
	exec.AppendLog(fmt.Sprintf("step %s started", s.ID))
	idx := len(exec.StepResults) - 1
	t.mu.Unlock()
	e.persist(ctx, exec, t)

	var lastErr error
	attempts := s.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		t.mu.Lock()
		exec.StepResults[idx].RetryCount = attempt - 1
		t.mu.Unlock()

		out, next, err := e.attemptStep(ctx, pb, exec, s, t)
		if err == nil {
			now := time.Now().UTC()
			t.mu.Lock()
			if exec.Status.IsTerminal() {
				t.mu.Unlock()
				e.logger.Debug("step result dropped, execution already finished",
					"execution_id", exec.ID, "step_id", s.ID)
				return "", errFinished
			}
			rec := &exec.StepResults[idx]
			rec.Status = playbook.StepCompleted
			rec.Output = out
			rec.CompletedAt = &now
			mergeOutput(exec, out)
			exec.AppendLog(fmt.Sprintf("step %s completed", s.ID))
			t.mu.Unlock()
			return next, nil
		}
		if errors.Is(err, errCancelled) || errors.Is(err, errFinished) {
			e.failStep(exec, t, idx, err)
			return "", err
		}

		lastErr = err
		e.logger.Warn("step attempt failed",
			"execution_id", exec.ID, "step_id", s.ID,
			"attempt", attempt, "max_attempts", attempts, "error", err)
	}

	e.failStep(exec, t, idx, lastErr)
	return "", lastErr
}

func (e *Engine) failStep(exec *playbook.Execution, t *track, idx int, err error) {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if exec.Status.IsTerminal() {
		return
	}
	rec := &exec.StepResults[idx]
	rec.Status = playbook.StepFailed
	rec.Error = err.Error()
	rec.CompletedAt = &now
	exec.AppendLog(fmt.Sprintf("step %s failed: %v", rec.StepID, err))
}

func (e *Engine) attemptStep(ctx context.Context, pb *playbook.Playbook, exec *playbook.Execution, s *playbook.Step, t *track) (any, string, error) {
	switch s.Type {
	case playbook.StepAction:
		return e.attemptAction(ctx, exec, s, t)
	case playbook.StepCondition:
		result := condition.EvaluateAll(s.Condition.Conditions, snapshotVars(exec, t))
		next := s.Condition.FalseStep
		if result {
			next = s.Condition.TrueStep
		}
		return map[string]any{"result": result}, next, nil
	case playbook.StepLoop:
		return e.attemptLoop(ctx, pb, exec, s, t)
	case playbook.StepParallel:
		return e.attemptParallel(ctx, pb, exec, s, t)
	case playbook.StepWait:
		return e.attemptWait(ctx, exec, s, t)
	case playbook.StepHumanTask:
		return e.attemptHumanTask(ctx, exec, s, t)
	}
	return nil, "", fmt.Errorf("unsupported step type %q", s.Type)
}

func (e *Engine) attemptAction(ctx context.Context, exec *playbook.Execution, s *playbook.Step, t *track) (any, string, error) {
	actionCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	out, err := e.registry.Invoke(actionCtx, s.Action.ActionType, s.Action.Parameters, snapshotVars(exec, t))
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}

// attemptLoop runs the contained steps repeatedly. Break conditions are
// checked before each iteration against the current variable bindings.
func (e *Engine) attemptLoop(ctx context.Context, pb *playbook.Playbook, exec *playbook.Execution, s *playbook.Step, t *track) (any, string, error) {
	cfg := s.Loop
	iterations := 0

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		select {
		case <-t.stop:
			return nil, "", errCancelled
		default:
		}
		if len(cfg.BreakConditions) > 0 && condition.EvaluateAll(cfg.BreakConditions, snapshotVars(exec, t)) {
			break
		}
		if cfg.IteratorVar != "" {
			t.mu.Lock()
			exec.Variables[cfg.IteratorVar] = iter
			t.mu.Unlock()
		}

		for _, subID := range cfg.Steps {
			sub, ok := pb.StepByID(subID)
			if !ok {
				return nil, "", fmt.Errorf("loop references unknown step %q", subID)
			}
			if !sub.Enabled {
				continue
			}
			if _, err := e.runStep(ctx, pb, exec, sub, t); err != nil {
				return nil, "", fmt.Errorf("iteration %d: %w", iter, err)
			}
		}
		iterations++
	}
	return map[string]any{"iterations": iterations}, "", nil
}

// attemptParallel fans the contained steps out on their own goroutines.
// With WaitForAll the step blocks and fails if any branch fails; without it
// the branches run detached best-effort and the step completes immediately.
// A detached branch that finishes after the execution's terminal status has
// its result dropped.
func (e *Engine) attemptParallel(ctx context.Context, pb *playbook.Playbook, exec *playbook.Execution, s *playbook.Step, t *track) (any, string, error) {
	cfg := s.Parallel
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = len(cfg.Steps)
	}
	sem := make(chan struct{}, limit)

	launch := func(subID string, report chan<- error) {
		sem <- struct{}{}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-sem }()

			var err error
			sub, ok := pb.StepByID(subID)
			if !ok {
				err = fmt.Errorf("parallel references unknown step %q", subID)
			} else {
				_, err = e.runStep(ctx, pb, exec, sub, t)
			}

			if report != nil {
				report <- err
				return
			}
			switch {
			case err == nil:
			case errors.Is(err, errFinished) || errors.Is(err, errCancelled):
				e.logger.Debug("detached parallel branch abandoned",
					"execution_id", exec.ID, "step_id", subID)
			default:
				e.logger.Warn("detached parallel branch failed",
					"execution_id", exec.ID, "step_id", subID, "error", err)
			}
		}()
	}

	if !cfg.WaitForAll {
		for _, subID := range cfg.Steps {
			launch(subID, nil)
		}
		return map[string]any{"branches": len(cfg.Steps), "detached": true}, "", nil
	}

	report := make(chan error, len(cfg.Steps))
	for _, subID := range cfg.Steps {
		launch(subID, report)
	}
	var firstErr error
	for range cfg.Steps {
		if err := <-report; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, "", firstErr
	}
	return map[string]any{"branches": len(cfg.Steps), "detached": false}, "", nil
}

// attemptWait parks the execution for a fixed duration or until a polled
// condition holds. The execution reads as paused while parked.
func (e *Engine) attemptWait(ctx context.Context, exec *playbook.Execution, s *playbook.Step, t *track) (any, string, error) {
	cfg := s.Wait
	e.setStatus(ctx, exec, t, playbook.ExecutionPaused)
	defer e.setStatus(ctx, exec, t, playbook.ExecutionRunning)

	if cfg.Duration > 0 {
		select {
		case <-time.After(cfg.Duration):
			return map[string]any{"waited": cfg.Duration.String()}, "", nil
		case <-t.stop:
			return nil, "", errCancelled
		}
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	var deadline <-chan time.Time
	if s.Timeout > 0 {
		deadline = time.After(s.Timeout)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if condition.EvaluateAll(cfg.Until, snapshotVars(exec, t)) {
			return map[string]any{"condition_met": true}, "", nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return nil, "", fault.NewTimeout("wait", fmt.Errorf("condition not met within %s", s.Timeout))
		case <-t.stop:
			return nil, "", errCancelled
		}
	}
}

// attemptHumanTask parks until Signal delivers a completion for this step,
// the step's timeout expires, or the execution is cancelled.
func (e *Engine) attemptHumanTask(ctx context.Context, exec *playbook.Execution, s *playbook.Step, t *track) (any, string, error) {
	e.setStatus(ctx, exec, t, playbook.ExecutionPaused)
	defer e.setStatus(ctx, exec, t, playbook.ExecutionRunning)

	e.logger.Info("human task waiting",
		"execution_id", exec.ID, "step_id", s.ID, "assignee", s.HumanTask.Assignee)

	var deadline <-chan time.Time
	if s.Timeout > 0 {
		deadline = time.After(s.Timeout)
	}

	for {
		select {
		case sig := <-t.signals:
			if sig.stepID != "" && sig.stepID != s.ID {
				// Stale signal for another step; drop it.
				continue
			}
			if sig.err != nil {
				return nil, "", fmt.Errorf("task rejected: %w", sig.err)
			}
			out := map[string]any{"completed_by": s.HumanTask.Assignee}
			for k, v := range sig.result {
				out[k] = v
			}
			return out, "", nil
		case <-deadline:
			return nil, "", fault.NewTimeout("human_task",
				fmt.Errorf("no completion within %s", s.Timeout))
		case <-t.stop:
			return nil, "", errCancelled
		}
	}
}

// finalize commits the terminal status exactly once, updates the playbook's
// running totals, and publishes the lifecycle event. A record that already
// reached a terminal status is never transitioned again.
func (e *Engine) finalize(ctx context.Context, exec *playbook.Execution, pb *playbook.Playbook, t *track, status playbook.ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	t.mu.Lock()
	if exec.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	exec.Status = status
	exec.CompletedAt = &now
	exec.CurrentStep = ""
	exec.Error = errMsg
	if errMsg != "" {
		exec.AppendLog(fmt.Sprintf("execution %s: %s", status, errMsg))
	} else {
		exec.AppendLog(fmt.Sprintf("execution %s", status))
	}
	t.mu.Unlock()
	e.persist(ctx, exec, t)

	if pb != nil {
		_, err := e.store.Update(ctx, store.KindPlaybook, pb.ID, func(v any) (any, error) {
			p := v.(*playbook.Playbook)
			p.ExecutionCount++
			if status == playbook.ExecutionCompleted {
				p.SuccessCount++
			}
			p.SuccessRate = float64(p.SuccessCount) / float64(p.ExecutionCount)
			p.LastExecuted = &now
			return p, nil
		})
		if err != nil {
			e.logger.Error("failed to update playbook totals", "playbook_id", pb.ID, "error", err)
		}
	}

	e.logger.Info("execution finished",
		"execution_id", exec.ID, "playbook_id", exec.PlaybookID,
		"status", string(status), "duration", now.Sub(exec.StartedAt), "error", errMsg)

	e.publish(ctx, "execution."+string(status), map[string]any{
		"execution_id": exec.ID,
		"playbook_id":  exec.PlaybookID,
		"status":       string(status),
		"triggered_by": exec.TriggeredBy,
		"duration_ms":  now.Sub(exec.StartedAt).Milliseconds(),
		"error":        errMsg,
	})
}

// setStatus moves the execution between running and paused. It never
// overwrites a terminal status: a detached branch parking or resuming after
// finalize must not resurrect the record.
func (e *Engine) setStatus(ctx context.Context, exec *playbook.Execution, t *track, status playbook.ExecutionStatus) {
	t.mu.Lock()
	if exec.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	exec.Status = status
	t.mu.Unlock()
	e.persist(ctx, exec, t)
}

// persist stores a snapshot of the execution. The stored copy shares no
// mutable state with the engine's working record, so concurrent readers see
// a stable value.
func (e *Engine) persist(ctx context.Context, exec *playbook.Execution, t *track) {
	t.mu.Lock()
	snap := exec.Clone()
	t.mu.Unlock()

	if err := e.store.Put(ctx, store.KindExecution, exec.ID, snap); err != nil {
		e.logger.Error("failed to persist execution", "execution_id", exec.ID, "error", err)
	}
}

// mergeOutput folds a map-shaped step output into the execution variables so
// later steps can reference it. Caller holds t.mu.
func mergeOutput(exec *playbook.Execution, out any) {
	m, ok := out.(map[string]any)
	if !ok {
		return
	}
	if exec.Variables == nil {
		exec.Variables = make(map[string]any, len(m))
	}
	for k, v := range m {
		exec.Variables[k] = v
	}
}

func snapshotVars(exec *playbook.Execution, t *track) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	vars := make(map[string]any, len(exec.Variables))
	for k, v := range exec.Variables {
		vars[k] = v
	}
	return vars
}

// orderedSteps returns the playbook's steps sorted by Order.
func orderedSteps(pb *playbook.Playbook) []*playbook.Step {
	steps := make([]*playbook.Step, 0, len(pb.Steps))
	for i := range pb.Steps {
		steps = append(steps, &pb.Steps[i])
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// containedSteps returns the ids referenced by loop and parallel containers;
// these never run through the top-level sequence.
func containedSteps(pb *playbook.Playbook) map[string]bool {
	contained := make(map[string]bool)
	for i := range pb.Steps {
		s := &pb.Steps[i]
		switch s.Type {
		case playbook.StepLoop:
			for _, id := range s.Loop.Steps {
				contained[id] = true
			}
		case playbook.StepParallel:
			for _, id := range s.Parallel.Steps {
				contained[id] = true
			}
		}
	}
	return contained
}
