package sandbox

import (
	"sort"
	"sync"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/storage"
)

// Capability names one of the closed set of host operations a skill may
// call, per spec.md §4.2.
type Capability string

const (
	CapLLMComplete    Capability = "llm.complete"
	CapMemoryRecall   Capability = "memory.recall"
	CapMemoryRemember Capability = "memory.remember"
	CapKVRead         Capability = "kv.read"
	CapKVWrite        Capability = "kv.write"
	CapHTTPGet        Capability = "http.get"
	CapHTTPPost       Capability = "http.post"
	CapSecretRead     Capability = "secret.read"
	CapLogEmit        Capability = "log.emit"
	CapCtxRead        Capability = "ctx.read"
)

var closedCapabilitySet = map[Capability]bool{
	CapLLMComplete: true, CapMemoryRecall: true, CapMemoryRemember: true,
	CapKVRead: true, CapKVWrite: true, CapHTTPGet: true, CapHTTPPost: true,
	CapSecretRead: true, CapLogEmit: true, CapCtxRead: true,
}

// alwaysAllowed capabilities bypass the approval gate entirely: a skill
// can always read the frozen invocation clock and emit a log line.
var alwaysAllowed = map[Capability]bool{CapCtxRead: true, CapLogEmit: true}

// networkCapabilities are refused outright for untrusted-tier skills,
// regardless of what the bot has approved.
var networkCapabilities = map[Capability]bool{CapHTTPGet: true, CapHTTPPost: true}

// gate enforces the intersection of a skill's declared capabilities and a
// bot's approved capabilities for one invocation, and records which
// capabilities were actually exercised for the audit entry.
type gate struct {
	tier    storage.TrustTier
	allowed map[Capability]bool

	mu   sync.Mutex
	used map[Capability]bool
}

// newGate computes the allowed set once, up front: a capability is usable
// only if the skill declared it AND the bot approved it (or it is always
// allowed). Names outside the closed set are silently ignored — they can
// never be granted, so there is nothing to gate.
func newGate(declared, approved []string, tier storage.TrustTier) *gate {
	approvedSet := toSet(approved)
	allowed := map[Capability]bool{}
	for _, d := range declared {
		c := Capability(d)
		if !closedCapabilitySet[c] {
			continue
		}
		if alwaysAllowed[c] || approvedSet[d] {
			allowed[c] = true
		}
	}
	for c := range alwaysAllowed {
		allowed[c] = true
	}
	return &gate{tier: tier, allowed: allowed, used: map[Capability]bool{}}
}

// check reports whether capability may run. On success it records the
// capability as used for the audit trail. The returned error carries only
// the capability name, never the guest's arguments.
func (g *gate) check(capability Capability) error {
	if alwaysAllowed[capability] {
		g.mark(capability)
		return nil
	}
	if networkCapabilities[capability] && g.tier == storage.TrustUntrusted {
		return errs.New(errs.PermissionDenied, string(capability))
	}
	if !g.allowed[capability] {
		return errs.New(errs.PermissionDenied, string(capability))
	}
	g.mark(capability)
	return nil
}

func (g *gate) mark(capability Capability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used[capability] = true
}

// usedList returns the capabilities exercised during the invocation, sorted
// for a deterministic SkillAuditEntry.CapabilitiesUsed.
func (g *gate) usedList() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.used))
	for c := range g.used {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
