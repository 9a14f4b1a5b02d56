package quota

import (
	"github.com/ValentinKolb/wstore/lib/storage"
)

// --------------------------------------------------------------------------
// Guard
// --------------------------------------------------------------------------

// Usage reports how many bytes all origins of one accounting class use.
type Usage interface {
	Used() int64
}

// Decision is the verdict of the Guard for a write.
type Decision uint8

const (
	DecisionCommit Decision = iota // the write fits (or shrinks the table)
	DecisionFail                   // the write overflows and must fail
	DecisionAsk                    // the write overflows, ask the listener
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "commit"
	case DecisionFail:
		return "fail"
	case DecisionAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// Guard computes the available size of one origin and decides on writes.
type Guard struct {
	origin string
	policy PolicyStore
	usage  Usage
}

// NewGuard creates a guard for origin. usage may be nil if no global
// accounting is done.
func NewGuard(origin string, policy PolicyStore, usage Usage) *Guard {
	return &Guard{origin: origin, policy: policy, usage: usage}
}

// Available returns the number of bytes the origin may use in total given
// that it currently uses originUsed, or Unlimited.
//
//	available = min(origin_quota, global_quota - (global_used - origin_used))
func (g *Guard) Available(originUsed int64) int64 {
	originQuota := g.policy.Get(g.origin, AttrOriginQuota)
	globalQuota := g.policy.Get(g.origin, AttrGlobalQuota)

	available := Unlimited
	if originQuota != Unlimited {
		available = originQuota
	}
	if globalQuota != Unlimited {
		var others int64
		if g.usage != nil {
			others = g.usage.Used() - originUsed
		}
		if others < 0 {
			others = 0
		}
		globalAvailable := globalQuota - others
		if globalAvailable < 0 {
			globalAvailable = 0
		}
		if available == Unlimited || globalAvailable < available {
			available = globalAvailable
		}
	}
	return available
}

// Overflows reports whether growing the origin from originUsed to newUsed
// exceeds the available size. Shrinking never overflows.
func (g *Guard) Overflows(originUsed, newUsed int64) bool {
	if newUsed <= originUsed {
		return false
	}
	available := g.Available(originUsed)
	return available != Unlimited && newUsed > available
}

// Handling returns the stored overflow handling of the origin.
func (g *Guard) Handling() Handling {
	return Handling(g.policy.Get(g.origin, AttrQuotaHandling))
}

// Decide returns what to do with a write growing the origin from originUsed
// to newUsed. canAsk is false if the caller asked to fail on quota errors,
// the runtime is shutting down or nobody listens.
func (g *Guard) Decide(originUsed, newUsed int64, canAsk bool) Decision {
	if !g.Overflows(originUsed, newUsed) {
		return DecisionCommit
	}
	switch g.Handling() {
	case HandlingAllowAlways:
		return DecisionCommit
	case HandlingDeny:
		return DecisionFail
	}
	if canAsk {
		return DecisionAsk
	}
	return DecisionFail
}

// Apply persists a listener reply as a policy override so later overflows of
// the same origin are not asked again. Cancelled replies are not persisted.
func (g *Guard) Apply(r Reply) {
	switch {
	case r.Cancelled:
		return
	case !r.Allow:
		g.policy.Set(g.origin, AttrQuotaHandling, int64(HandlingDeny))
	case r.NewQuota == 0:
		g.policy.Set(g.origin, AttrQuotaHandling, int64(HandlingAllowAlways))
	default:
		g.policy.Set(g.origin, AttrOriginQuota, r.NewQuota)
	}
}

// Exceeded builds the error reported for a failed write.
func (g *Guard) Exceeded(originUsed, newUsed int64) error {
	return storage.Errorf(storage.RetCQuotaExceeded,
		"origin %q needs %d bytes but only %d are available (currently used: %d)",
		g.origin, newUsed, g.Available(originUsed), originUsed)
}
