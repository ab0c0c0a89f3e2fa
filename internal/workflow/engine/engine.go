// Package engine abstracts workflow execution so the DAG scheduler can be
// swapped onto a different backend without touching scheduler code,
// mirroring the teacher's RegisterWorkflow/StartWorkflow/WorkflowHandle
// shape generalized from one-handler-per-agent to a single handler
// ("execute_run") shared by every WorkflowDefinition.
package engine

import (
	"context"
	"time"

	"github.com/boternity/boternity/internal/telemetry"
)

type (
	// Engine registers exactly one workflow handler and starts run
	// executions against it. Boternity registers a single handler
	// ("execute_run") at service construction; one Engine instance backs
	// every WorkflowDefinition submitted through the service.
	Engine interface {
		// RegisterWorkflow binds name to handler. Calling it twice for the
		// same name is an error.
		RegisterWorkflow(name string, handler WorkflowFunc) error

		// StartWorkflow launches handler asynchronously and returns a
		// handle for waiting on its result.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowFunc is the scheduler's run-execution entry point. It must
	// tolerate being resumed after a crash: wctx.RunID() is stable across
	// a Service.ResumeCrashed re-entry of the same run.
	WorkflowFunc func(wctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running handler.
	WorkflowContext interface {
		Context() context.Context
		RunID() string
		Logger() telemetry.Logger
		Now() time.Time

		// ExecuteStep dispatches fn onto the engine's bounded worker pool
		// and blocks until it completes or ctx is done. This is the "N
		// workers, single-node" bound from spec.md §4.1 — it is shared
		// across every concurrently executing run, not per-run.
		ExecuteStep(ctx context.Context, fn func(context.Context) (any, error)) (any, error)
	}

	// WorkflowStartRequest describes one run execution to launch.
	WorkflowStartRequest struct {
		ID       string
		Workflow string
		Input    any
	}

	// WorkflowHandle lets the caller wait for a started run to finish.
	WorkflowHandle interface {
		Wait(ctx context.Context) (any, error)
	}
)
