package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalBoolReadsStepOutput(t *testing.T) {
	e := New()
	env := Env{Steps: map[string]StepResult{
		"fetch": {Output: map[string]any{"count": 5}},
	}}
	ok, err := e.EvalBool(context.Background(), "steps.fetch.output.count > 3", env)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalBoolEmptyConditionIsTruthy(t *testing.T) {
	e := New()
	ok, err := e.EvalBool(context.Background(), "", Env{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalBoolFalseOnFalsyExpression(t *testing.T) {
	e := New()
	ok, err := e.EvalBool(context.Background(), "context.ready", Env{Context: map[string]any{"ready": false}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalRejectsInvalidSyntax(t *testing.T) {
	e := New()
	_, err := e.Eval(context.Background(), "this is not : valid(", Env{})
	require.Error(t, err)
}

func TestEvalCachesCompiledProgram(t *testing.T) {
	e := New()
	source := "1 + 1"
	_, err := e.Eval(context.Background(), source, Env{})
	require.NoError(t, err)
	require.Contains(t, e.cache, source)

	v, err := e.Eval(context.Background(), source, Env{})
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestEvalInputAndContextAccess(t *testing.T) {
	e := New()
	env := Env{
		Input:   map[string]any{"name": "ada"},
		Context: map[string]any{"attempt": 2},
	}
	v, err := e.Eval(context.Background(), `input.name`, env)
	require.NoError(t, err)
	require.Equal(t, "ada", v)

	v, err = e.Eval(context.Background(), `context.attempt`, env)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}
