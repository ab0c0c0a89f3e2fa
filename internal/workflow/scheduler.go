package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
	"github.com/boternity/boternity/internal/workflow/engine"
	"github.com/boternity/boternity/internal/workflow/expr"
)

// WorkflowHandlerName is the single handler every WorkflowDefinition shares
// on the engine, generalized from the teacher's per-agent registration.
const WorkflowHandlerName = "execute_run"

// scheduler is the DAG executor registered as engine's sole WorkflowFunc. It
// reloads a run's persisted state on every invocation, which is what makes
// both approval-pause and crash-recovery re-entry the same code path: there
// is no in-memory state that only exists for the lifetime of one goroutine.
type scheduler struct {
	repo      storage.WorkflowRepository
	bus       *bus.Bus
	eval      *expr.Evaluator
	clock     clock.Clock
	idgen     ids.Gen
	logger    telemetry.Logger
	executors map[storage.StepType]StepExecutor
}

func (s *scheduler) run(wctx engine.WorkflowContext, input any) (any, error) {
	runID, ok := input.(ids.ID)
	if !ok {
		return nil, errs.New(errs.Internal, fmt.Sprintf("execute_run received unexpected input type %T", input))
	}
	ctx := wctx.Context()

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, nil
	}

	def, err := s.repo.GetDefinition(ctx, run.WorkflowID)
	if err != nil {
		return nil, s.failRun(ctx, run, err)
	}
	byID := indexSteps(def.Steps)

	if run.Status == storage.RunPending {
		if err := s.repo.UpdateRunStatus(ctx, run.ID, storage.RunRunning, ""); err != nil {
			return nil, err
		}
		run.Status = storage.RunRunning
		s.publishRun(run, bus.KindWorkflowRunStarted)
	}

	var deadline time.Time
	if def.TimeoutSecs > 0 {
		deadline = run.StartedAt.Add(time.Duration(def.TimeoutSecs) * time.Second)
	}

	logs, err := s.loadLogs(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	for {
		if !deadline.IsZero() && s.clock.Now().After(deadline) {
			return nil, s.timeoutRun(ctx, run, def, byID, logs)
		}

		ready := readySteps(def, byID, logs)
		if len(ready) == 0 {
			break
		}

		type outcome struct {
			id  string
			log storage.WorkflowStepLog
		}
		outcomes := make(chan outcome, len(ready))
		for _, step := range ready {
			step := step
			logs[step.ID] = storage.WorkflowStepLog{RunID: run.ID, StepID: step.ID, Status: storage.StepLogRunning}
			go func() {
				res, execErr := wctx.ExecuteStep(ctx, func(stepCtx context.Context) (any, error) {
					return s.runStep(stepCtx, run, def, byID, step, logs)
				})
				if execErr != nil {
					outcomes <- outcome{step.ID, storage.WorkflowStepLog{RunID: run.ID, StepID: step.ID, Status: storage.StepLogFailed, Error: execErr.Error()}}
					return
				}
				outcomes <- outcome{step.ID, res.(storage.WorkflowStepLog)}
			}()
		}

		paused := false
		for range ready {
			o := <-outcomes
			logs[o.id] = o.log
			if o.log.Status == storage.StepLogWaitingApproval {
				paused = true
			}
		}
		if paused {
			if err := s.repo.UpdateRunStatus(ctx, run.ID, storage.RunPaused, ""); err != nil {
				return nil, err
			}
			s.publishRun(run, bus.KindWorkflowRunPaused)
			return nil, nil
		}
	}

	return nil, s.finalizeRun(ctx, run, def, byID, logs)
}

func indexSteps(steps []storage.StepDefinition) map[string]storage.StepDefinition {
	byID := make(map[string]storage.StepDefinition, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	return byID
}

func (s *scheduler) loadLogs(ctx context.Context, runID ids.ID) (map[string]storage.WorkflowStepLog, error) {
	existing, err := s.repo.ListStepLogs(ctx, runID)
	if err != nil {
		return nil, err
	}
	logs := make(map[string]storage.WorkflowStepLog, len(existing))
	for _, l := range existing {
		// ListStepLogs may return multiple attempts of the same step and
		// per-iteration loop-body rows ("<id>#<n>"); only the bare step id's
		// latest attempt, whatever its status, drives top-level DAG readiness.
		if prev, ok := logs[l.StepID]; !ok || l.Attempt >= prev.Attempt {
			logs[l.StepID] = l
		}
	}
	return logs, nil
}

// readySteps returns steps whose dependencies are all terminal and which
// have not themselves been dispatched yet, in declaration order.
func readySteps(def storage.WorkflowDefinition, byID map[string]storage.StepDefinition, logs map[string]storage.WorkflowStepLog) []storage.StepDefinition {
	var out []storage.StepDefinition
	for _, step := range def.Steps {
		if l, ok := logs[step.ID]; ok && (l.Status.Terminal() || l.Status == storage.StepLogWaitingApproval || l.Status == storage.StepLogRunning) {
			continue
		}
		if !depsSatisfied(step, logs) {
			continue
		}
		out = append(out, step)
	}
	return out
}

func depsSatisfied(step storage.StepDefinition, logs map[string]storage.WorkflowStepLog) bool {
	for _, dep := range step.DependsOn {
		l, ok := logs[dep]
		if !ok || !l.Status.Terminal() {
			return false
		}
	}
	return true
}

// runStep resolves one step to a terminal WorkflowStepLog: it applies
// upstream-failure skip propagation and the step's own condition, then
// either runs it directly (conditional/loop/approval) or through the
// registered StepExecutor, retrying per the step's RetryStrategy.
func (s *scheduler) runStep(ctx context.Context, run storage.WorkflowRun, def storage.WorkflowDefinition, byID map[string]storage.StepDefinition, step storage.StepDefinition, logs map[string]storage.WorkflowStepLog) (storage.WorkflowStepLog, error) {
	env := s.buildEnv(run, logs)

	if skipped, reason := skipDueToFailedDeps(step, logs); skipped {
		return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogSkipped, nil, reason), nil
	}

	if step.Type != storage.StepConditional && step.Type != storage.StepLoop && step.Condition != "" {
		ok, err := s.eval.EvalBool(ctx, step.Condition, env)
		if err != nil {
			return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogFailed, nil, err.Error()), nil
		}
		if !ok {
			return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogSkipped, nil, ""), nil
		}
	}

	switch step.Type {
	case storage.StepApproval:
		return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogWaitingApproval, nil, ""), nil
	case storage.StepConditional:
		return s.runConditional(ctx, run, step, env), nil
	case storage.StepLoop:
		return s.runLoop(ctx, run, step, byID, logs, env), nil
	default:
		return s.runLeaf(ctx, run, step, env), nil
	}
}

// skipDueToFailedDeps reports whether step should be auto-skipped because a
// dependency failed and step's own condition does not explicitly reference
// that dependency's error (in which case the step is allowed to run so it
// can branch on the failure).
func skipDueToFailedDeps(step storage.StepDefinition, logs map[string]storage.WorkflowStepLog) (bool, string) {
	for _, dep := range step.DependsOn {
		l, ok := logs[dep]
		if !ok || l.Status != storage.StepLogFailed {
			continue
		}
		if referencesStepError(step.Condition, dep) {
			continue
		}
		return true, "upstream step " + dep + " failed"
	}
	return false, ""
}

func referencesStepError(condition, stepID string) bool {
	if condition == "" {
		return false
	}
	needle := "steps." + stepID + ".error"
	return containsSubstring(condition, needle)
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

func (s *scheduler) buildEnv(run storage.WorkflowRun, logs map[string]storage.WorkflowStepLog) expr.Env {
	steps := make(map[string]expr.StepResult, len(logs))
	for id, l := range logs {
		steps[id] = expr.StepResult{Output: l.Output, Error: l.Error}
	}
	return expr.Env{Steps: steps, Context: run.Context, Input: run.TriggerPayload}
}

func (s *scheduler) runConditional(ctx context.Context, run storage.WorkflowRun, step storage.StepDefinition, env expr.Env) storage.WorkflowStepLog {
	taken, err := s.eval.EvalBool(ctx, step.Condition, env)
	if err != nil {
		return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogFailed, nil, err.Error())
	}

	branch := "else"
	untaken := stringSliceFromConfig(step.Config, "else_steps")
	if taken {
		branch = "then"
		untaken = stringSliceFromConfig(step.Config, "then_steps")
	}
	for _, id := range untaken {
		s.persist(ctx, run.ID, id, "", 1, storage.StepLogSkipped, nil, "")
	}
	return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogCompleted, map[string]any{"branch": branch}, "")
}

func (s *scheduler) runLoop(ctx context.Context, run storage.WorkflowRun, step storage.StepDefinition, byID map[string]storage.StepDefinition, logs map[string]storage.WorkflowStepLog, env expr.Env) storage.WorkflowStepLog {
	maxIterations := intFromConfig(step.Config, "max_iterations", 10)
	bodyIDs := stringSliceFromConfig(step.Config, "body_steps")

	s.persistRunning(ctx, run.ID, step.ID, step.Name, 1, nil, s.clock.Now().UTC())

	iter := 0
	for iter < maxIterations {
		cont, err := s.eval.EvalBool(ctx, step.Condition, env)
		if err != nil {
			return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogFailed, map[string]any{"iterations": iter}, err.Error())
		}
		if !cont {
			break
		}
		iter++

		for _, bodyID := range bodyIDs {
			bodyStep, ok := byID[bodyID]
			if !ok {
				continue
			}
			iterStep := bodyStep
			iterStep.ID = fmt.Sprintf("%s#%d", bodyID, iter)

			var bodyLog storage.WorkflowStepLog
			switch bodyStep.Type {
			case storage.StepConditional:
				bodyLog = s.runConditional(ctx, run, iterStep, env)
			default:
				bodyLog = s.runLeaf(ctx, run, iterStep, env)
			}

			logs[bodyID] = bodyLog // bare name tracks the latest iteration's outcome for env lookups
			env = s.buildEnv(run, logs)

			if bodyLog.Status == storage.StepLogFailed {
				return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogFailed, map[string]any{"iterations": iter}, "loop body step failed: "+bodyID)
			}
		}
	}

	return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogCompleted, map[string]any{"iterations": iter}, "")
}

func intFromConfig(config map[string]any, key string, def int) int {
	raw, ok := config[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// runLeaf runs an agent/skill/code/http/sub_workflow step through its
// registered StepExecutor, retrying per the step's RetryStrategy until it
// succeeds, exhausts its attempts, or is found non-retryable.
func (s *scheduler) runLeaf(ctx context.Context, run storage.WorkflowRun, step storage.StepDefinition, env expr.Env) storage.WorkflowStepLog {
	executor, ok := s.executors[step.Type]
	if !ok {
		return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogFailed, nil, "no executor registered for step type "+string(step.Type))
	}

	input, err := s.renderConfig(ctx, step.Config, env)
	if err != nil {
		return s.persist(ctx, run.ID, step.ID, step.Name, 1, storage.StepLogFailed, nil, err.Error())
	}
	input["__env"] = env

	attempt := 1
	for {
		startedAt := s.clock.Now().UTC()
		s.persistRunning(ctx, run.ID, step.ID, step.Name, attempt, input, startedAt)
		s.publishStep(run, step.ID, bus.KindWorkflowStepStarted)

		stepCtx := ctx
		var cancel context.CancelFunc
		if step.TimeoutSecs > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSecs)*time.Second)
		}
		output, execErr := executor.Execute(stepCtx, StepCall{Run: run, Step: step, Input: input, Attempt: attempt})
		if cancel != nil {
			cancel()
		}

		if execErr == nil {
			completedAt := s.clock.Now().UTC()
			log := storage.WorkflowStepLog{RunID: run.ID, StepID: step.ID, StepName: step.Name, Status: storage.StepLogCompleted, Attempt: attempt, Input: input, Output: output, StartedAt: &startedAt, CompletedAt: &completedAt}
			_ = s.repo.UpsertStepLog(ctx, log)
			s.publishStep(run, step.ID, bus.KindWorkflowStepCompleted)
			return log
		}

		errMsg := execErr.Error()
		if stepCtx.Err() == context.DeadlineExceeded {
			errMsg = "timeout"
		}
		completedAt := s.clock.Now().UTC()
		failedLog := storage.WorkflowStepLog{RunID: run.ID, StepID: step.ID, StepName: step.Name, Status: storage.StepLogFailed, Attempt: attempt, Input: input, Error: errMsg, StartedAt: &startedAt, CompletedAt: &completedAt}
		_ = s.repo.UpsertStepLog(ctx, failedLog)
		s.publishStep(run, step.ID, bus.KindWorkflowStepFailed)

		if errs.KindOf(execErr) == errs.InvalidArgument || (step.Type == storage.StepCode && errs.KindOf(execErr) == errs.Timeout) || !retryable(step, attempt) {
			return failedLog
		}

		delay := simpleBackoff(attempt)
		if sleepErr := s.clock.Sleep(ctx, delay); sleepErr != nil {
			return failedLog
		}
		attempt++
	}
}

// renderConfig runs `{{ ... }}` template substitution over every string
// value in config (one level deep; nested maps/lists pass through
// untouched — spec.md's template language targets scalar config fields).
func (s *scheduler) renderConfig(ctx context.Context, config map[string]any, env expr.Env) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, v := range config {
		if str, ok := v.(string); ok {
			rendered, err := s.eval.Render(ctx, str, env)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (s *scheduler) persist(ctx context.Context, runID ids.ID, stepID, stepName string, attempt int, status storage.StepLogStatus, output map[string]any, errMsg string) storage.WorkflowStepLog {
	now := s.clock.Now().UTC()
	log := storage.WorkflowStepLog{ID: s.idgen.New(), RunID: runID, StepID: stepID, StepName: stepName, Status: status, Attempt: attempt, Output: output, Error: errMsg, StartedAt: &now, CompletedAt: &now}
	_ = s.repo.UpsertStepLog(ctx, log)
	return log
}

// persistRunning writes the log row marking a step's attempt as started.
// IdempotencyKey is a uuid, not a ULID: it has no ordering meaning, it is
// only distinct per attempt. The key is stored on the log row; StepCall does
// not carry it, so executors do not see it.
func (s *scheduler) persistRunning(ctx context.Context, runID ids.ID, stepID, stepName string, attempt int, input map[string]any, startedAt time.Time) {
	_ = s.repo.UpsertStepLog(ctx, storage.WorkflowStepLog{
		ID: s.idgen.New(), RunID: runID, StepID: stepID, StepName: stepName, Status: storage.StepLogRunning,
		Attempt: attempt, Input: input, StartedAt: &startedAt, IdempotencyKey: uuid.NewString(),
	})
}

func (s *scheduler) finalizeRun(ctx context.Context, run storage.WorkflowRun, def storage.WorkflowDefinition, byID map[string]storage.StepDefinition, logs map[string]storage.WorkflowStepLog) error {
	failed := false
	for _, step := range def.Steps {
		if l, ok := logs[step.ID]; ok && l.Status == storage.StepLogFailed {
			failed = true
			break
		}
	}

	status := storage.RunCompleted
	errMsg := ""
	kind := bus.KindWorkflowRunCompleted
	if failed {
		status = storage.RunFailed
		errMsg = "one or more steps failed"
		kind = bus.KindWorkflowRunFailed
	}
	if err := s.repo.UpdateRunStatus(ctx, run.ID, status, errMsg); err != nil {
		return err
	}
	run.Status = status
	s.publishRun(run, kind)
	return nil
}

func (s *scheduler) timeoutRun(ctx context.Context, run storage.WorkflowRun, def storage.WorkflowDefinition, byID map[string]storage.StepDefinition, logs map[string]storage.WorkflowStepLog) error {
	if err := s.repo.UpdateRunStatus(ctx, run.ID, storage.RunFailed, "workflow timeout exceeded"); err != nil {
		return err
	}
	run.Status = storage.RunFailed
	s.publishRun(run, bus.KindWorkflowRunFailed)
	return errs.New(errs.Timeout, "workflow timeout exceeded")
}

func (s *scheduler) failRun(ctx context.Context, run storage.WorkflowRun, cause error) error {
	_ = s.repo.UpdateRunStatus(ctx, run.ID, storage.RunFailed, cause.Error())
	run.Status = storage.RunFailed
	s.publishRun(run, bus.KindWorkflowRunFailed)
	return cause
}

func (s *scheduler) publishRun(run storage.WorkflowRun, kind bus.Kind) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"run_id":      string(run.ID),
		"workflow_id": string(run.WorkflowID),
		"status":      string(run.Status),
	}
	_ = s.bus.Publish(context.Background(), bus.New(kind, payload, bus.Topic{Kind: bus.TopicRun, Value: string(run.ID)}))
}

func (s *scheduler) publishStep(run storage.WorkflowRun, stepID string, kind bus.Kind) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"run_id":  string(run.ID),
		"step_id": stepID,
	}
	_ = s.bus.Publish(context.Background(), bus.New(kind, payload, bus.Topic{Kind: bus.TopicRun, Value: string(run.ID)}))
}
