package sandbox

import (
	"time"

	"github.com/boternity/boternity/internal/storage"
)

const wasmPageSize = 64 * 1024

// ResourceCaps bounds one skill invocation, per spec.md §4.2's resource
// table. FuelBudget is a step-counter heuristic, not a hardware cycle
// budget: wazero has no native fuel metering (unlike wasmtime), so fuel
// is charged per host call instead of per guest instruction. It throttles
// host-call-heavy skills; a tight pure-compute loop that never calls a
// capability can still run for the full WallClock budget. TableEntries is
// tracked but not independently enforced — see DESIGN.md.
type ResourceCaps struct {
	MemoryBytes  int64
	MemoryPages  uint32
	FuelBudget   int64
	WallClock    time.Duration
	TableEntries int
}

// CapsForTier returns the resource caps for tier.
func CapsForTier(tier storage.TrustTier) ResourceCaps {
	switch tier {
	case storage.TrustLocal:
		return newCaps(128<<20, 1e10, 30*time.Second, 1000)
	case storage.TrustVerified:
		return newCaps(64<<20, 1e9, 10*time.Second, 1000)
	case storage.TrustUntrusted:
		return newCaps(16<<20, 1e8, 3*time.Second, 1000)
	default:
		return newCaps(16<<20, 1e8, 3*time.Second, 1000)
	}
}

func newCaps(memBytes, fuel int64, wall time.Duration, tableEntries int) ResourceCaps {
	return ResourceCaps{
		MemoryBytes:  memBytes,
		MemoryPages:  uint32(memBytes / wasmPageSize),
		FuelBudget:   fuel,
		WallClock:    wall,
		TableEntries: tableEntries,
	}
}
