package quota

import (
	"fmt"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Policy attributes
// --------------------------------------------------------------------------

// Unlimited is the sentinel quota value meaning "no limit".
const Unlimited int64 = -1

// Handling decides what happens when a write overflows the quota.
type Handling int64

const (
	HandlingAsk         Handling = iota // ask the quota listener (if any)
	HandlingDeny                        // fail the write
	HandlingAllowAlways                 // commit the write without asking
)

func (h Handling) String() string {
	switch h {
	case HandlingAsk:
		return "ask"
	case HandlingDeny:
		return "deny"
	case HandlingAllowAlways:
		return "allow-always"
	default:
		return "unknown"
	}
}

// ParseHandling converts a string (as printed by String) to a Handling.
func ParseHandling(s string) (Handling, error) {
	switch s {
	case "ask":
		return HandlingAsk, nil
	case "deny":
		return HandlingDeny, nil
	case "allow-always", "allow":
		return HandlingAllowAlways, nil
	default:
		return HandlingAsk, fmt.Errorf("invalid quota handling %q (expected ask, deny or allow-always)", s)
	}
}

// Attribute names a policy value.
type Attribute uint8

const (
	AttrOriginQuota   Attribute = iota // quota of one origin in bytes (or Unlimited)
	AttrGlobalQuota                    // quota of all origins together (or Unlimited)
	AttrQuotaHandling                  // Handling of one origin
)

func (a Attribute) String() string {
	switch a {
	case AttrOriginQuota:
		return "origin-quota"
	case AttrGlobalQuota:
		return "global-quota"
	case AttrQuotaHandling:
		return "quota-handling"
	default:
		return "unknown"
	}
}

// ParseAttribute converts a string (as printed by String) to an Attribute.
func ParseAttribute(s string) (Attribute, error) {
	switch s {
	case "origin-quota":
		return AttrOriginQuota, nil
	case "global-quota":
		return AttrGlobalQuota, nil
	case "quota-handling":
		return AttrQuotaHandling, nil
	default:
		return 0, fmt.Errorf("invalid policy attribute %q", s)
	}
}

// PolicyStore provides per-origin and global policy attributes.
// AttrGlobalQuota ignores the origin.
type PolicyStore interface {
	Get(origin string, attr Attribute) int64
	Set(origin string, attr Attribute, value int64)
}

// --------------------------------------------------------------------------
// In-memory policy store
// --------------------------------------------------------------------------

// Defaults are the values used for origins without an override.
type Defaults struct {
	OriginQuota int64
	GlobalQuota int64
	Handling    Handling
}

type policyKey struct {
	origin string
	attr   Attribute
}

// MemoryPolicy is a thread-safe PolicyStore keeping overrides in memory.
type MemoryPolicy struct {
	defaults  Defaults
	overrides *xsync.MapOf[policyKey, int64]
}

// NewMemoryPolicy creates a policy store with the given defaults.
func NewMemoryPolicy(defaults Defaults) *MemoryPolicy {
	return &MemoryPolicy{
		defaults:  defaults,
		overrides: xsync.NewMapOf[policyKey, int64](),
	}
}

// Get returns the override for (origin, attr) or the default.
func (p *MemoryPolicy) Get(origin string, attr Attribute) int64 {
	if attr == AttrGlobalQuota {
		origin = ""
	}
	if v, ok := p.overrides.Load(policyKey{origin, attr}); ok {
		return v
	}
	switch attr {
	case AttrOriginQuota:
		return p.defaults.OriginQuota
	case AttrGlobalQuota:
		return p.defaults.GlobalQuota
	case AttrQuotaHandling:
		return int64(p.defaults.Handling)
	default:
		return 0
	}
}

// Set stores an override.
func (p *MemoryPolicy) Set(origin string, attr Attribute, value int64) {
	if attr == AttrGlobalQuota {
		origin = ""
	}
	p.overrides.Store(policyKey{origin, attr}, value)
}

// Delete drops a single override.
func (p *MemoryPolicy) Delete(origin string, attr Attribute) {
	if attr == AttrGlobalQuota {
		origin = ""
	}
	p.overrides.Delete(policyKey{origin, attr})
}

// Reset drops all overrides of an origin.
func (p *MemoryPolicy) Reset(origin string) {
	p.overrides.Range(func(k policyKey, _ int64) bool {
		if k.origin == origin && k.attr != AttrGlobalQuota {
			p.overrides.Delete(k)
		}
		return true
	})
}
