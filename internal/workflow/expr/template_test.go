package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesTags(t *testing.T) {
	e := New()
	env := Env{Input: map[string]any{"name": "ada"}}
	out, err := e.Render(context.Background(), "hello {{ input.name }}!", env)
	require.NoError(t, err)
	require.Equal(t, "hello ada!", out)
}

func TestRenderLeavesPlainStringsUntouched(t *testing.T) {
	e := New()
	out, err := e.Render(context.Background(), "no tags here", Env{})
	require.NoError(t, err)
	require.Equal(t, "no tags here", out)
}

func TestRenderMultipleTags(t *testing.T) {
	e := New()
	env := Env{Steps: map[string]StepResult{"a": {Output: map[string]any{"x": 1}}, "b": {Output: map[string]any{"x": 2}}}}
	out, err := e.Render(context.Background(), "{{ steps.a.output.x }}-{{ steps.b.output.x }}", env)
	require.NoError(t, err)
	require.Equal(t, "1-2", out)
}

func TestRenderPropagatesExpressionError(t *testing.T) {
	e := New()
	_, err := e.Render(context.Background(), "{{ not ) valid }}", Env{})
	require.Error(t, err)
}
