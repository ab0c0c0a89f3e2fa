package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/storage"
)

func TestSimpleBackoffDoublesWithinJitterBand(t *testing.T) {
	d1 := simpleBackoff(1)
	require.InDelta(t, float64(simpleBaseDelay), float64(d1), float64(simpleBaseDelay)*simpleJitterFrac+1)

	d2 := simpleBackoff(2)
	require.InDelta(t, float64(2*simpleBaseDelay), float64(d2), float64(2*simpleBaseDelay)*simpleJitterFrac+1)
}

func TestSimpleBackoffCapsAtMax(t *testing.T) {
	d := simpleBackoff(20)
	require.LessOrEqual(t, d, simpleMaxDelay+time.Duration(float64(simpleMaxDelay)*simpleJitterFrac))
}

func TestRetryableDefaultsToThreeAttempts(t *testing.T) {
	step := storage.StepDefinition{Type: storage.StepAgent}
	require.True(t, retryable(step, 1))
	require.True(t, retryable(step, 2))
	require.False(t, retryable(step, 3))
}

func TestRetryableLLMSelfCorrectOnlyForAgentAndCode(t *testing.T) {
	agentStep := storage.StepDefinition{Type: storage.StepAgent, Retry: &storage.RetryStrategy{Kind: "llm_self_correct", MaxAttempts: 2}}
	require.True(t, retryable(agentStep, 1))

	httpStep := storage.StepDefinition{Type: storage.StepHTTP, Retry: &storage.RetryStrategy{Kind: "llm_self_correct", MaxAttempts: 2}}
	require.False(t, retryable(httpStep, 1))
}

func TestRetryableRespectsMaxAttempts(t *testing.T) {
	step := storage.StepDefinition{Type: storage.StepAgent, Retry: &storage.RetryStrategy{Kind: "simple", MaxAttempts: 1}}
	require.False(t, retryable(step, 1))
}
