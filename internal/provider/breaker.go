package provider

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/storage"
)

const (
	breakerBaseTimeout = 30 * time.Second
	breakerMaxTimeout  = 5 * time.Minute
	breakerTripAfter   = 5
)

// breaker wraps a gobreaker.CircuitBreaker for a single provider entry and
// layers the spec's exponential-doubling open duration on top of it.
// gobreaker's own Timeout is fixed at construction time and only controls
// when it lets a single half-open probe through; the doubling requirement
// ("open 30s; failure reopens doubling up to 5m cap") is enforced
// separately via cooldownUntil, which the pool consults before it will even
// attempt a call against this entry.
type breaker struct {
	name  string
	clock clock.Clock

	mu             sync.Mutex
	cb             *gobreaker.CircuitBreaker[any]
	cooldown       time.Duration
	cooldownUntil  time.Time
	consecutiveOK  int
	onStateChanged func(from, to storage.CircuitState)
}

func newBreaker(name string, c clock.Clock, onStateChanged func(from, to storage.CircuitState)) *breaker {
	b := &breaker{name: name, clock: c, cooldown: breakerBaseTimeout, onStateChanged: onStateChanged}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerBaseTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: b.handleStateChange,
	})
	return b
}

func (b *breaker) handleStateChange(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	var fromKind, toKind storage.CircuitState
	switch from {
	case gobreaker.StateOpen:
		fromKind = storage.CircuitOpen
	case gobreaker.StateHalfOpen:
		fromKind = storage.CircuitHalfOpen
	default:
		fromKind = storage.CircuitClosed
	}
	switch to {
	case gobreaker.StateOpen:
		toKind = storage.CircuitOpen
		b.cooldownUntil = b.clock.Now().Add(b.cooldown)
		b.cooldown *= 2
		if b.cooldown > breakerMaxTimeout {
			b.cooldown = breakerMaxTimeout
		}
	case gobreaker.StateHalfOpen:
		toKind = storage.CircuitHalfOpen
	default:
		toKind = storage.CircuitClosed
		b.cooldown = breakerBaseTimeout
		b.cooldownUntil = time.Time{}
	}
	cb := b.onStateChanged
	b.mu.Unlock()
	if cb != nil {
		cb(fromKind, toKind)
	}
}

// available reports whether this entry should be attempted right now.
//
// Gating happens entirely on cooldownUntil rather than on gobreaker's own
// State(): gobreaker's internal Timeout is fixed at construction (30s) and
// would let a half-open probe through every 30s regardless of how many
// times the probe has already failed. cooldownUntil carries the doubled
// duration instead; since it only ever grows from the same 30s base,
// gobreaker's own internal timeout has always already elapsed by the time
// cooldownUntil has, so deferring the State()/Execute call until then still
// lets gobreaker transition itself to half-open and admit exactly one probe.
func (b *breaker) available() bool {
	b.mu.Lock()
	until := b.cooldownUntil
	b.mu.Unlock()
	return until.IsZero() || !b.clock.Now().Before(until)
}

// state reports the breaker's current state for persistence/reporting.
func (b *breaker) state() storage.CircuitState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return storage.CircuitOpen
	case gobreaker.StateHalfOpen:
		return storage.CircuitHalfOpen
	default:
		return storage.CircuitClosed
	}
}

func execBreaker[T any](b *breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
