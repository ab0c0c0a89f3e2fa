// Package inmem is Boternity's sole Engine backend: goroutine-per-run-
// attempt dispatch with a process-wide bounded worker pool for step
// execution, adapted from the teacher's runtime/agent/engine/inmem. The
// teacher's second backend (engine/temporal) is not carried — see
// DESIGN.md — since spec.md scopes the scheduler to single-node execution.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boternity/boternity/internal/telemetry"
	"github.com/boternity/boternity/internal/workflow/engine"
)

// Engine is an in-memory, non-durable engine.Engine implementation. Durability
// comes from the scheduler persisting every transition to SQLite before
// touching this engine, not from the engine itself (see Service.ResumeCrashed
// in package workflow).
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]engine.WorkflowFunc

	pool chan struct{} // bounded worker-pool semaphore
	logger telemetry.Logger
}

// New returns an Engine whose ExecuteStep calls are bounded to workers
// concurrent step executions across every run started on it.
func New(workers int, logger telemetry.Logger) *Engine {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Engine{
		workflows: make(map[string]engine.WorkflowFunc),
		pool:      make(chan struct{}, workers),
		logger:    logger,
	}
}

func (e *Engine) RegisterWorkflow(name string, handler engine.WorkflowFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[name]; dup {
		return fmt.Errorf("workflow %q already registered", name)
	}
	if handler == nil || name == "" {
		return fmt.Errorf("invalid workflow registration")
	}
	e.workflows[name] = handler
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	handler, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}

	wctx := &runContext{ctx: ctx, runID: req.ID, logger: e.logger, pool: e.pool}
	h := &handle{done: make(chan struct{})}

	go func() {
		defer close(h.done)
		res, err := handler(wctx, req.Input)
		h.result, h.err = res, err
	}()

	return h, nil
}

type runContext struct {
	ctx    context.Context
	runID  string
	logger telemetry.Logger
	pool   chan struct{}
}

func (w *runContext) Context() context.Context { return w.ctx }
func (w *runContext) RunID() string             { return w.runID }
func (w *runContext) Logger() telemetry.Logger  { return w.logger }
func (w *runContext) Now() time.Time            { return time.Now() }

func (w *runContext) ExecuteStep(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	select {
	case w.pool <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-w.pool }()
	return fn(ctx)
}

type handle struct {
	done   chan struct{}
	result any
	err    error
}

func (h *handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

var _ engine.Engine = (*Engine)(nil)
