package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/storage"
)

func TestValidateDefinitionAcceptsLinearChain(t *testing.T) {
	def := storage.WorkflowDefinition{Steps: []storage.StepDefinition{
		{ID: "a", Type: storage.StepAgent},
		{ID: "b", Type: storage.StepAgent, DependsOn: []string{"a"}},
		{ID: "c", Type: storage.StepAgent, DependsOn: []string{"b"}},
	}}
	require.NoError(t, ValidateDefinition(def))
}

func TestValidateDefinitionRejectsUnknownDependency(t *testing.T) {
	def := storage.WorkflowDefinition{Steps: []storage.StepDefinition{
		{ID: "a", Type: storage.StepAgent, DependsOn: []string{"ghost"}},
	}}
	err := ValidateDefinition(def)
	require.Error(t, err)
}

func TestValidateDefinitionRejectsCycle(t *testing.T) {
	def := storage.WorkflowDefinition{Steps: []storage.StepDefinition{
		{ID: "a", Type: storage.StepAgent, DependsOn: []string{"b"}},
		{ID: "b", Type: storage.StepAgent, DependsOn: []string{"a"}},
	}}
	err := ValidateDefinition(def)
	require.Error(t, err)
}

func TestValidateDefinitionRejectsUnscopedConditionalBranch(t *testing.T) {
	def := storage.WorkflowDefinition{Steps: []storage.StepDefinition{
		{ID: "cond", Type: storage.StepConditional, Condition: "true", Config: map[string]any{
			"then_steps": []any{"then1"},
		}},
		// then1 does not depend on cond — rule 3 violation.
		{ID: "then1", Type: storage.StepAgent},
	}}
	err := ValidateDefinition(def)
	require.Error(t, err)
}

func TestValidateDefinitionAcceptsScopedConditionalBranch(t *testing.T) {
	def := storage.WorkflowDefinition{Steps: []storage.StepDefinition{
		{ID: "cond", Type: storage.StepConditional, Condition: "true", Config: map[string]any{
			"then_steps": []any{"then1"},
			"else_steps": []any{"else1"},
		}},
		{ID: "then1", Type: storage.StepAgent, DependsOn: []string{"cond"}},
		{ID: "else1", Type: storage.StepAgent, DependsOn: []string{"cond"}},
	}}
	require.NoError(t, ValidateDefinition(def))
}

func TestValidateDefinitionRejectsDuplicateStepID(t *testing.T) {
	def := storage.WorkflowDefinition{Steps: []storage.StepDefinition{
		{ID: "a", Type: storage.StepAgent},
		{ID: "a", Type: storage.StepAgent},
	}}
	err := ValidateDefinition(def)
	require.Error(t, err)
}

func TestValidateDefinitionAcceptsScopedLoopBody(t *testing.T) {
	def := storage.WorkflowDefinition{Steps: []storage.StepDefinition{
		{ID: "loop", Type: storage.StepLoop, Condition: "true", Config: map[string]any{
			"body_steps": []any{"body1"},
		}},
		{ID: "body1", Type: storage.StepAgent, DependsOn: []string{"loop"}},
	}}
	require.NoError(t, ValidateDefinition(def))
}
