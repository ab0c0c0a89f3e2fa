package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/storage"
)

// manualClock is a test-only Clock whose Now() advances only when Advance
// is called, so breaker cooldown math is deterministic.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock { return &manualClock{now: time.Unix(0, 0)} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.Advance(d)
	ch <- c.Now()
	return ch
}

func TestBreakerTripsAfterFiveConsecutiveFailures(t *testing.T) {
	mc := newManualClock()
	var states []storage.CircuitState
	b := newBreaker("p1", mc, func(_, to storage.CircuitState) { states = append(states, to) })

	boom := errors.New("boom")
	for i := 0; i < breakerTripAfter; i++ {
		_, err := execBreaker(b, func() (int, error) { return 0, boom })
		require.Error(t, err)
	}

	require.Equal(t, storage.CircuitOpen, b.state())
	require.Contains(t, states, storage.CircuitOpen)
	require.False(t, b.available())
}

func TestBreakerAvailableAfterCooldownAndClosesOnSuccess(t *testing.T) {
	mc := newManualClock()
	b := newBreaker("p1", mc, nil)

	boom := errors.New("boom")
	for i := 0; i < breakerTripAfter; i++ {
		_, _ = execBreaker(b, func() (int, error) { return 0, boom })
	}
	require.False(t, b.available())

	mc.Advance(breakerBaseTimeout)
	require.True(t, b.available())

	v, err := execBreaker(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, storage.CircuitClosed, b.state())
}

func TestBreakerCooldownDoublesOnRepeatedTrip(t *testing.T) {
	mc := newManualClock()
	b := newBreaker("p1", mc, nil)

	boom := errors.New("boom")
	trip := func() {
		for i := 0; i < breakerTripAfter; i++ {
			_, _ = execBreaker(b, func() (int, error) { return 0, boom })
		}
	}

	trip()
	require.False(t, b.available())
	mc.Advance(breakerBaseTimeout)
	require.True(t, b.available())

	// Half-open probe fails: cooldown should double to 60s instead of
	// resetting to the base 30s.
	_, err := execBreaker(b, func() (int, error) { return 0, boom })
	require.Error(t, err)
	require.False(t, b.available())

	mc.Advance(breakerBaseTimeout)
	require.False(t, b.available(), "cooldown should have doubled past the base timeout")

	mc.Advance(breakerBaseTimeout)
	require.True(t, b.available())
}
