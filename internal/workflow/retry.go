package workflow

import (
	"math"
	"math/rand"
	"time"

	"github.com/boternity/boternity/internal/storage"
)

const (
	defaultMaxAttempts  = 3
	simpleBaseDelay     = 500 * time.Millisecond
	simpleBackoffFactor = 2.0
	simpleMaxDelay      = 30 * time.Second
	simpleJitterFrac    = 0.25
)

// maxAttempts returns the effective retry ceiling for a step, defaulting to
// defaultMaxAttempts when unset.
func maxAttempts(r *storage.RetryStrategy) int {
	if r == nil || r.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return r.MaxAttempts
}

// simpleBackoff computes the delay before retry attempt n (1-indexed: the
// delay before the *second* attempt is simpleBackoff(1)) per spec.md §4.1:
// base 500ms, factor 2, capped at 30s, then jitter ±25% applied to the
// capped value (so the result can reach 37.5s).
func simpleBackoff(attempt int) time.Duration {
	d := float64(simpleBaseDelay) * math.Pow(simpleBackoffFactor, float64(attempt-1))
	if d > float64(simpleMaxDelay) {
		d = float64(simpleMaxDelay)
	}
	jitter := d * simpleJitterFrac * (2*rand.Float64() - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// retryable reports whether a step should be re-attempted given its retry
// strategy, step type, and the attempt number that just failed. Expression
// evaluation errors are never retryable (spec.md §4.1) — callers filter
// those out before calling retryable.
func retryable(step storage.StepDefinition, failedAttempt int) bool {
	if step.Retry == nil {
		return failedAttempt < defaultMaxAttempts
	}
	switch step.Retry.Kind {
	case "llm_self_correct":
		if step.Type != storage.StepAgent && step.Type != storage.StepCode {
			return false
		}
	case "simple", "":
	default:
		return false
	}
	return failedAttempt < maxAttempts(step.Retry)
}
