// Package expr implements the sandboxed expression language used for step
// conditions and `{{ ... }}` template substitutions (spec.md §4.1). Programs
// see steps.<id>.output, steps.<id>.error, context.<key>, and input.<key> as
// read-only data and a pure built-in library (string, number, boolean, list,
// object); they cannot perform I/O, spawn goroutines, or loop unboundedly.
package expr

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/boternity/boternity/internal/errs"
)

// EvalTimeout bounds a single expression evaluation, per spec.md §4.1.
const EvalTimeout = 100 * time.Millisecond

// StepResult is the read-only view of one step's outcome exposed to
// expressions as steps.<id>.
type StepResult struct {
	Output map[string]any `expr:"output"`
	Error  string         `expr:"error"`
}

// Env is the variable environment an expression evaluates against. None of
// its fields are mutable from within an expression — expr-lang compiles
// programs against a struct value, not a pointer, so a program cannot write
// back into the run even if it tried.
type Env struct {
	Steps   map[string]StepResult `expr:"steps"`
	Context map[string]any        `expr:"context"`
	Input   map[string]any        `expr:"input"`
}

// Evaluator caches compiled programs keyed by source text, so a condition re-evaluated every scheduler
// tick (e.g. a loop body) is not re-parsed every time.
type Evaluator struct {
	cache map[string]*vm.Program
}

// New returns an Evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	if p, ok := e.cache[source]; ok {
		return p, nil
	}
	p, err := expr.Compile(source, expr.Env(Env{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "invalid expression: "+source, err)
	}
	e.cache[source] = p
	return p, nil
}

// Eval compiles (if needed) and runs source against env, enforcing
// EvalTimeout. A timeout or runtime panic inside the expression surfaces as
// errs.Timeout / errs.InvalidArgument respectively — both are fatal to the
// step that triggered the evaluation, never retried (spec.md §4.1: "Retries
// do not fire for expression-evaluation errors").
func (e *Evaluator) Eval(ctx context.Context, source string, env Env) (any, error) {
	program, err := e.compile(source)
	if err != nil {
		return nil, err
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errs.New(errs.InvalidArgument, fmt.Sprintf("expression panic: %v", r))}
			}
		}()
		out, err := expr.Run(program, env)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, "expression evaluation failed", r.err)
		}
		return r.out, nil
	case <-time.After(EvalTimeout):
		return nil, errs.New(errs.Timeout, "expression evaluation exceeded "+EvalTimeout.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EvalBool evaluates source and coerces the result to a boolean truthiness
// check matching the scheduler's condition semantics: an empty string, nil,
// zero number, or false boolean is falsy; anything else is truthy.
func (e *Evaluator) EvalBool(ctx context.Context, source string, env Env) (bool, error) {
	if source == "" {
		return true, nil
	}
	v, err := e.Eval(ctx, source, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
