package inmem

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/workflow/engine"
)

func TestStartWorkflowRunsRegisteredHandler(t *testing.T) {
	e := New(2, nil)
	require.NoError(t, e.RegisterWorkflow("noop", func(wctx engine.WorkflowContext, input any) (any, error) {
		return input, nil
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "noop", Input: 42})
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestStartWorkflowUnknownNameErrors(t *testing.T) {
	e := New(1, nil)
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "ghost"})
	require.Error(t, err)
}

func TestRegisterWorkflowRejectsDuplicate(t *testing.T) {
	e := New(1, nil)
	handler := func(wctx engine.WorkflowContext, input any) (any, error) { return nil, nil }
	require.NoError(t, e.RegisterWorkflow("dup", handler))
	require.Error(t, e.RegisterWorkflow("dup", handler))
}

func TestExecuteStepIsBoundedByWorkerPool(t *testing.T) {
	e := New(1, nil)
	require.NoError(t, e.RegisterWorkflow("work", func(wctx engine.WorkflowContext, input any) (any, error) {
		var maxConcurrent, current int32
		results := make(chan any, 3)
		for i := 0; i < 3; i++ {
			go func() {
				v, err := wctx.ExecuteStep(wctx.Context(), func(ctx context.Context) (any, error) {
					n := atomic.AddInt32(&current, 1)
					for {
						prev := atomic.LoadInt32(&maxConcurrent)
						if n <= prev || atomic.CompareAndSwapInt32(&maxConcurrent, prev, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&current, -1)
					return nil, nil
				})
				if err != nil {
					results <- err
					return
				}
				results <- v
			}()
		}
		for i := 0; i < 3; i++ {
			<-results
		}
		return atomic.LoadInt32(&maxConcurrent), nil
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-2", Workflow: "work"})
	require.NoError(t, err)
	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), result)
}

func TestWaitPropagatesHandlerError(t *testing.T) {
	e := New(1, nil)
	boom := errors.New("boom")
	require.NoError(t, e.RegisterWorkflow("fail", func(wctx engine.WorkflowContext, input any) (any, error) {
		return nil, boom
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-3", Workflow: "fail"})
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.ErrorIs(t, err, boom)
}
