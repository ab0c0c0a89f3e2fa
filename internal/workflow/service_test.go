package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/storage/memtest"
	"github.com/boternity/boternity/internal/telemetry"
	"github.com/boternity/boternity/internal/workflow/engine/inmem"
)

// fastClock behaves like the system clock for Now() but never actually
// sleeps, so retry/backoff paths in tests run at full speed.
type fastClock struct{}

func (fastClock) Now() time.Time { return time.Now() }
func (fastClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }
func (fastClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

var _ clock.Clock = fastClock{}

func newTestService(t *testing.T) (*Service, *memtest.Store) {
	t.Helper()
	store := memtest.New()
	b := bus.NewBus(16)
	eng := inmem.New(4, telemetry.NoopLogger{})
	svc, err := New(store, b, eng, ids.System(), telemetry.NoopLogger{}, WithClock(fastClock{}))
	require.NoError(t, err)
	return svc, store
}

func waitTerminal(t *testing.T, store *memtest.Store, runID ids.ID) storage.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() || run.Status == storage.RunPaused {
			return run
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal or paused status in time")
	return storage.WorkflowRun{}
}

func TestServiceRunsLinearCodeWorkflowToCompletion(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	def := storage.WorkflowDefinition{
		Name:  "double",
		Owner: storage.WorkflowOwner{Type: storage.OwnerGlobal},
		Steps: []storage.StepDefinition{
			{ID: "a", Type: storage.StepCode, Config: map[string]any{"expression": "input.n * 2"}},
			{ID: "b", Type: storage.StepCode, DependsOn: []string{"a"}, Config: map[string]any{"expression": "steps.a.output.result + 1"}},
		},
	}
	require.NoError(t, svc.Define(ctx, def))

	runID, err := svc.Submit(ctx, "double", def.Owner, storage.TriggerManual, map[string]any{"n": 10})
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	require.Equal(t, storage.RunCompleted, run.Status)

	logs, err := store.ListStepLogs(ctx, runID)
	require.NoError(t, err)
	byID := map[string]storage.WorkflowStepLog{}
	for _, l := range logs {
		byID[l.StepID] = l
	}
	require.Equal(t, storage.StepLogCompleted, byID["a"].Status)
	require.EqualValues(t, 20, byID["a"].Output["result"])
	require.Equal(t, storage.StepLogCompleted, byID["b"].Status)
	require.EqualValues(t, 21, byID["b"].Output["result"])
}

func TestServiceConditionalSkipsUntakenBranch(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	def := storage.WorkflowDefinition{
		Name:  "branch",
		Owner: storage.WorkflowOwner{Type: storage.OwnerGlobal},
		Steps: []storage.StepDefinition{
			{ID: "cond", Type: storage.StepConditional, Condition: "input.flag", Config: map[string]any{
				"then_steps": []any{"then1"},
				"else_steps": []any{"else1"},
			}},
			{ID: "then1", Type: storage.StepCode, DependsOn: []string{"cond"}, Config: map[string]any{"expression": "1"}},
			{ID: "else1", Type: storage.StepCode, DependsOn: []string{"cond"}, Config: map[string]any{"expression": "2"}},
		},
	}
	require.NoError(t, svc.Define(ctx, def))

	runID, err := svc.Submit(ctx, "branch", def.Owner, storage.TriggerManual, map[string]any{"flag": true})
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	require.Equal(t, storage.RunCompleted, run.Status)

	logs, err := store.ListStepLogs(ctx, runID)
	require.NoError(t, err)
	byID := map[string]storage.WorkflowStepLog{}
	for _, l := range logs {
		byID[l.StepID] = l
	}
	require.Equal(t, storage.StepLogCompleted, byID["then1"].Status)
	require.Equal(t, storage.StepLogSkipped, byID["else1"].Status)
}

func TestServiceExpressionErrorFailsStepWithoutRetry(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	def := storage.WorkflowDefinition{
		Name:  "broken",
		Owner: storage.WorkflowOwner{Type: storage.OwnerGlobal},
		Steps: []storage.StepDefinition{
			{ID: "a", Type: storage.StepCode, Retry: &storage.RetryStrategy{Kind: "simple", MaxAttempts: 5}, Config: map[string]any{"expression": "1 % 0"}},
		},
	}
	require.NoError(t, svc.Define(ctx, def))

	runID, err := svc.Submit(ctx, "broken", def.Owner, storage.TriggerManual, nil)
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	require.Equal(t, storage.RunFailed, run.Status)

	logs, err := store.ListStepLogs(ctx, runID)
	require.NoError(t, err)
	require.Len(t, logs, 1, "an expression error must not be retried even with MaxAttempts > 1")
	require.Equal(t, 1, logs[0].Attempt)
}

func TestServiceHTTPStepExhaustsRetriesAndFailsRun(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	def := storage.WorkflowDefinition{
		Name:  "unreachable",
		Owner: storage.WorkflowOwner{Type: storage.OwnerGlobal},
		Steps: []storage.StepDefinition{
			{ID: "a", Type: storage.StepHTTP, Retry: &storage.RetryStrategy{Kind: "simple", MaxAttempts: 2}, Config: map[string]any{"url": "http://127.0.0.1:1"}},
		},
	}
	require.NoError(t, svc.Define(ctx, def))

	runID, err := svc.Submit(ctx, "unreachable", def.Owner, storage.TriggerManual, nil)
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	require.Equal(t, storage.RunFailed, run.Status)

	logs, err := store.ListStepLogs(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 2, logs[0].Attempt, "the step must have been retried once before giving up")
}

func TestServiceApprovalPausesThenResumes(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	def := storage.WorkflowDefinition{
		Name:  "needs-approval",
		Owner: storage.WorkflowOwner{Type: storage.OwnerGlobal},
		Steps: []storage.StepDefinition{
			{ID: "ask", Type: storage.StepApproval},
			{ID: "after", Type: storage.StepCode, DependsOn: []string{"ask"}, Config: map[string]any{"expression": "1"}},
		},
	}
	require.NoError(t, svc.Define(ctx, def))

	runID, err := svc.Submit(ctx, "needs-approval", def.Owner, storage.TriggerManual, nil)
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	require.Equal(t, storage.RunPaused, run.Status)

	require.NoError(t, svc.Approve(ctx, runID, "ask", true, "looks fine"))

	run = waitTerminal(t, store, runID)
	require.Equal(t, storage.RunCompleted, run.Status)
}

func TestServiceConcurrencyLimitRejectsSubmit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	def := storage.WorkflowDefinition{
		Name:        "limited",
		Owner:       storage.WorkflowOwner{Type: storage.OwnerGlobal},
		Concurrency: 1,
		Steps: []storage.StepDefinition{
			{ID: "wait", Type: storage.StepApproval},
		},
	}
	require.NoError(t, svc.Define(ctx, def))

	_, err := svc.Submit(ctx, "limited", def.Owner, storage.TriggerManual, map[string]any{"k": "same"})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		runs, _ := store.ListNonTerminalRuns(ctx)
		if len(runs) == 1 && runs[0].Status == storage.RunPaused {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	_, err = svc.Submit(ctx, "limited", def.Owner, storage.TriggerManual, map[string]any{"k": "same"})
	require.Error(t, err)
}

func TestServiceCancelRejectsTerminalRun(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	def := storage.WorkflowDefinition{
		Name:  "quick",
		Owner: storage.WorkflowOwner{Type: storage.OwnerGlobal},
		Steps: []storage.StepDefinition{
			{ID: "a", Type: storage.StepCode, Config: map[string]any{"expression": "1"}},
		},
	}
	require.NoError(t, svc.Define(ctx, def))

	runID, err := svc.Submit(ctx, "quick", def.Owner, storage.TriggerManual, nil)
	require.NoError(t, err)
	waitTerminal(t, store, runID)

	err = svc.Cancel(ctx, runID, "too late")
	require.Error(t, err)
}
