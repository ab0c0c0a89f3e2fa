package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
	"github.com/boternity/boternity/internal/workflow/engine"
	"github.com/boternity/boternity/internal/workflow/expr"
)

// Service is the public entry point to the workflow engine: defining
// workflows, submitting runs, approving or cancelling them, and subscribing
// to their progress over the bus.
type Service struct {
	repo   storage.WorkflowRepository
	bus    *bus.Bus
	engine engine.Engine
	eval   *expr.Evaluator
	clock  clock.Clock
	idgen  ids.Gen
	logger telemetry.Logger
	sched  *scheduler
}

// Option configures optional Service dependencies.
type Option func(*Service)

// WithCompletionProvider wires a provider.CompletionProvider into the
// `agent` step executor. A Service with no provider fails every agent step.
func WithCompletionProvider(p provider.CompletionProvider) Option {
	return func(s *Service) { s.sched.executors[storage.StepAgent] = agentExecutor{provider: p} }
}

// WithSkillInvoker wires the WASM sandbox boundary into the `skill` step
// executor.
func WithSkillInvoker(inv SkillInvoker) Option {
	return func(s *Service) { s.sched.executors[storage.StepSkill] = skillExecutor{invoker: inv} }
}

// WithClock overrides the system clock, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c; s.sched.clock = c }
}

// New constructs a Service and registers its single execute_run handler
// with eng.
func New(repo storage.WorkflowRepository, b *bus.Bus, eng engine.Engine, idgen ids.Gen, logger telemetry.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	eval := expr.New()
	sched := &scheduler{
		repo:   repo,
		bus:    b,
		eval:   eval,
		clock:  clock.System(),
		idgen:  idgen,
		logger: logger,
		executors: map[storage.StepType]StepExecutor{
			storage.StepCode: codeExecutor{eval: eval},
			storage.StepHTTP: httpExecutor{},
		},
	}
	s := &Service{repo: repo, bus: b, engine: eng, eval: sched.eval, clock: sched.clock, idgen: idgen, logger: logger, sched: sched}
	for _, opt := range opts {
		opt(s)
	}
	sched.executors[storage.StepSubWorkflow] = subWorkflowExecutor{service: s}

	if err := eng.RegisterWorkflow(WorkflowHandlerName, sched.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Define validates and persists a new WorkflowDefinition.
func (s *Service) Define(ctx context.Context, def storage.WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = s.idgen.New()
	}
	now := s.clock.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now
	return s.repo.CreateDefinition(ctx, def)
}

// Submit starts a new run of the named workflow (resolved against owner) for
// the given trigger payload, enforcing the workflow's concurrency limit.
func (s *Service) Submit(ctx context.Context, name string, owner storage.WorkflowOwner, triggerType storage.TriggerType, payload map[string]any) (ids.ID, error) {
	def, err := s.repo.GetDefinitionByOwner(ctx, name, owner)
	if err != nil {
		return "", err
	}
	return s.submitDefinition(ctx, def, triggerType, payload, 0)
}

// submitAtDepth is used by the sub_workflow step executor to submit a
// nested run while threading through the parent's recursion depth.
func (s *Service) submitAtDepth(ctx context.Context, def storage.WorkflowDefinition, payload map[string]any, depth int) (ids.ID, error) {
	return s.submitDefinition(ctx, def, storage.TriggerManual, payload, depth)
}

func (s *Service) submitDefinition(ctx context.Context, def storage.WorkflowDefinition, triggerType storage.TriggerType, payload map[string]any, depth int) (ids.ID, error) {
	if err := ValidateDefinition(def); err != nil {
		return "", err
	}
	if depth >= maxSubWorkflowDepth {
		return "", errs.New(errs.ResourceExhausted, "sub_workflow recursion depth exceeded")
	}

	key := concurrencyKey(def.ID, payload)
	if def.Concurrency > 0 {
		count, err := s.repo.CountNonTerminalRuns(ctx, key)
		if err != nil {
			return "", err
		}
		if count >= def.Concurrency {
			return "", errs.New(errs.Conflict, "workflow concurrency limit reached")
		}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	if depth > 0 {
		payload["__depth"] = depth
	}

	run := storage.WorkflowRun{
		ID:             s.idgen.New(),
		WorkflowID:     def.ID,
		WorkflowName:   def.Name,
		Status:         storage.RunPending,
		TriggerType:    triggerType,
		TriggerPayload: payload,
		Context:        map[string]any{},
		StartedAt:      s.clock.Now().UTC(),
		ConcurrencyKey: key,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return "", err
	}

	if _, err := s.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: string(run.ID), Workflow: WorkflowHandlerName, Input: run.ID}); err != nil {
		return "", err
	}
	return run.ID, nil
}

// concurrencyKey hashes the workflow id and a canonicalized (sorted-key)
// JSON encoding of the trigger payload, per spec.md §4.1's concurrency-key
// definition.
func concurrencyKey(workflowID ids.ID, payload map[string]any) string {
	canon, _ := json.Marshal(sortedMap(payload))
	h := sha256.Sum256(append([]byte(string(workflowID)+"|"), canon...))
	return hex.EncodeToString(h[:])
}

// sortedMap returns an equivalent map whose JSON encoding is stable
// regardless of Go's randomized map key iteration order (encoding/json
// already sorts map keys, so this mainly documents the intent for readers).
func sortedMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}

// Approve resolves a waiting_approval step: it marks the step completed (or
// failed when not approved), flips the run back to running, and re-enters the scheduler the same way a
// crash-recovery resume does.
func (s *Service) Approve(ctx context.Context, runID ids.ID, stepID string, approved bool, note string) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != storage.RunPaused {
		return errs.New(errs.IllegalState, "run is not awaiting approval")
	}

	log, err := s.repo.GetStepLog(ctx, runID, stepID)
	if err != nil {
		return err
	}
	if log.Status != storage.StepLogWaitingApproval {
		return errs.New(errs.IllegalState, "step is not awaiting approval")
	}

	now := s.clock.Now().UTC()
	status := storage.StepLogCompleted
	if !approved {
		status = storage.StepLogFailed
	}
	log.Status = status
	log.CompletedAt = &now
	log.Output = map[string]any{"approved": approved, "note": note}
	if err := s.repo.UpsertStepLog(ctx, log); err != nil {
		return err
	}

	if err := s.repo.UpdateRunStatus(ctx, runID, storage.RunRunning, ""); err != nil {
		return err
	}

	_, err = s.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: string(runID), Workflow: WorkflowHandlerName, Input: runID})
	return err
}

// Cancel terminates a non-terminal run. Already-terminal runs fail with
// IllegalState rather than silently succeeding, so a caller can distinguish
// "cancel raced a completion" from "cancel worked".
func (s *Service) Cancel(ctx context.Context, runID ids.ID, reason string) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return errs.New(errs.IllegalState, "run is already terminal")
	}
	return s.repo.UpdateRunStatus(ctx, runID, storage.RunCancelled, reason)
}

// ResumeCrashed promotes every step log left running by a prior process's
// unclean exit to failed ("crash"), then re-enters the scheduler for every
// non-terminal run except paused ones. Called once at startup.
func (s *Service) ResumeCrashed(ctx context.Context) error {
	runs, err := s.repo.ListNonTerminalRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		logs, err := s.repo.ListNonTerminalStepLogs(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, l := range logs {
			if l.Status == storage.StepLogRunning {
				now := s.clock.Now().UTC()
				l.Status = storage.StepLogFailed
				l.Error = "crash"
				l.CompletedAt = &now
				if err := s.repo.UpsertStepLog(ctx, l); err != nil {
					return err
				}
			}
		}
		if run.Status == storage.RunPaused {
			continue // still legitimately waiting on a human; do not resume it
		}
		if _, err := s.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: string(run.ID), Workflow: WorkflowHandlerName, Input: run.ID}); err != nil {
			s.logger.Warn(ctx, "failed to resume crashed run", "run_id", string(run.ID), "error", err)
		}
	}
	return nil
}

// Subscribe delegates to the bus for run-scoped event streaming, used by the
// SSE/websocket transport layer.
func (s *Service) Subscribe(runID ids.ID) *bus.Subscription {
	return s.bus.Subscribe(bus.Topic{Kind: bus.TopicRun, Value: string(runID)})
}
