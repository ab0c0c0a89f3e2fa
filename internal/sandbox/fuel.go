package sandbox

import "sync"

// fuelCostPerHostCall is the fixed overhead charged for any host call;
// byte-proportional cost (argument size) is added on top, so a skill that
// round-trips large payloads burns its budget faster than one doing many
// small calls.
const fuelCostPerHostCall int64 = 1000

// fuelMeter models spec.md §4.2's fuel budget as an explicit step counter
// decremented by the host on every capability call, since wazero has no
// native fuel metering to hook into guest instruction execution directly.
type fuelMeter struct {
	mu        sync.Mutex
	budget    int64
	remaining int64
	exceeded  bool
}

func newFuelMeter(budget int64) *fuelMeter {
	return &fuelMeter{budget: budget, remaining: budget}
}

// charge deducts cost from the remaining budget and reports whether the
// call may proceed. The call that overdraws the budget still proceeds but
// marks it exceeded; once the budget is used up every later call is refused.
func (f *fuelMeter) charge(cost int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining <= 0 {
		f.exceeded = true
		return false
	}
	f.remaining -= cost
	if f.remaining < 0 {
		f.remaining = 0
		f.exceeded = true
	}
	return true
}

func (f *fuelMeter) exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exceeded
}

func (f *fuelMeter) consumed() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.budget - f.remaining
}
