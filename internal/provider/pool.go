package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/storage"
)

// Entry registers a single provider in a Pool.
type Entry struct {
	// Name identifies the provider for health rows and failover events
	// (for example, "anthropic", "bedrock").
	Name string

	// Priority orders entries ascending; lower values are tried first.
	Priority int

	// Provider is the completion backend this entry wraps.
	Provider CompletionProvider

	// Estimator overrides DefaultTokenEstimator for this provider's
	// model family when set.
	Estimator TokenEstimator
}

// Pool orders CompletionProvider entries by priority and routes calls
// through the first available one, skipping any whose breaker is open.
// Failover between entries happens only before the first byte of a
// response; an in-flight stream that fails mid-way is abandoned rather than
// retried against the next entry, per spec.
type Pool struct {
	mu      sync.RWMutex
	entries []*poolEntry
	repo    storage.ProviderRepository
	bus     bus.Publisher
	clock   clock.Clock
}

type poolEntry struct {
	Entry
	breaker *breaker
}

// NewPool constructs a Pool from entries, persisting an initial closed
// ProviderHealth row for each and wiring each breaker's state transitions
// back to storage.
func NewPool(entries []Entry, repo storage.ProviderRepository, publisher bus.Publisher, c clock.Clock) *Pool {
	if c == nil {
		c = clock.System()
	}
	p := &Pool{repo: repo, bus: publisher, clock: c}
	for _, e := range entries {
		e := e
		pe := &poolEntry{Entry: e}
		pe.breaker = newBreaker(e.Name, c, func(from, to storage.CircuitState) {
			p.persistHealth(e.Name, to)
		})
		p.entries = append(p.entries, pe)
		p.persistHealth(e.Name, storage.CircuitClosed)
	}
	sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].Priority < p.entries[j].Priority })
	return p
}

func (p *Pool) persistHealth(name string, state storage.CircuitState) {
	if p.repo == nil {
		return
	}
	ctx := context.Background()
	h, err := p.repo.GetProviderHealth(ctx, name)
	if err != nil {
		h = storage.ProviderHealth{Name: name}
	}
	h.CircuitState = state
	h.UpdatedAt = p.clock.Now()
	if state == storage.CircuitOpen {
		h.ConsecutiveFailures++
	} else if state == storage.CircuitClosed {
		h.ConsecutiveFailures = 0
	}
	_ = p.repo.UpsertProviderHealth(ctx, h)
}

// ordered returns the pool's entries sorted by priority, snapshotted under
// the read lock so callers can iterate without holding it.
func (p *Pool) ordered() []*poolEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*poolEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Pool) emitFailover(ctx context.Context, from, to string, req *Request, cause error) {
	if p.bus == nil {
		return
	}
	topics := []bus.Topic{{Kind: bus.TopicGlobal, Value: "global"}}
	if req.SessionID != "" {
		topics = append(topics, bus.Topic{Kind: bus.TopicSession, Value: req.SessionID})
	}
	payload := map[string]any{"from": from, "to": to}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	_ = p.bus.Publish(ctx, bus.New(bus.KindProviderFailover, payload, topics...))
}

// Complete tries each available entry in priority order until one succeeds,
// emitting a provider_failover event each time it advances past a failed
// entry. If every entry it tried failed, it returns the last entry's error;
// it returns ErrPoolExhausted when no entry was available to try.
func (p *Pool) Complete(ctx context.Context, req *Request) (*Response, error) {
	entries := p.ordered()
	var lastErr error
	for i, e := range entries {
		if !e.breaker.available() {
			continue
		}
		resp, err := execBreaker(e.breaker, func() (*Response, error) {
			return e.Provider.Complete(ctx, req)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if next := firstAvailableAfter(entries, i); next != nil {
			p.emitFailover(ctx, e.Name, next.Name, req, err)
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrPoolExhausted
}

// Stream tries each available entry in priority order until one accepts the
// stream (i.e., Stream returns without error). Once a Streamer is handed
// back to the caller, this Pool takes no further part: a stream that fails
// mid-way is abandoned, not retried against the next entry.
func (p *Pool) Stream(ctx context.Context, req *Request) (Streamer, error) {
	entries := p.ordered()
	var lastErr error
	for i, e := range entries {
		if !e.breaker.available() {
			continue
		}
		s, err := execBreaker(e.breaker, func() (Streamer, error) {
			return e.Provider.Stream(ctx, req)
		})
		if err == nil {
			return s, nil
		}
		lastErr = err
		if next := firstAvailableAfter(entries, i); next != nil {
			p.emitFailover(ctx, e.Name, next.Name, req, err)
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrPoolExhausted
}

func firstAvailableAfter(entries []*poolEntry, i int) *poolEntry {
	for _, e := range entries[i+1:] {
		if e.breaker.available() {
			return e
		}
	}
	return nil
}

// EstimateTokens uses the named entry's estimator when set, falling back to
// DefaultTokenEstimator.
func (p *Pool) EstimateTokens(providerName string, req *Request) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.Name == providerName && e.Estimator != nil {
			return e.Estimator(req)
		}
	}
	return DefaultTokenEstimator(req)
}

// Health returns the current breaker state for every entry, ordered by
// priority, for admin/diagnostic surfaces.
func (p *Pool) Health() []storage.ProviderHealth {
	entries := p.ordered()
	out := make([]storage.ProviderHealth, 0, len(entries))
	for i, e := range entries {
		out = append(out, storage.ProviderHealth{
			Name:         e.Name,
			Priority:     i,
			CircuitState: e.breaker.state(),
			UpdatedAt:    p.clock.Now(),
		})
	}
	return out
}
