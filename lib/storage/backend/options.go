package backend

import (
	"github.com/ValentinKolb/wstore/lib/storage/persist"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"time"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

const (
	DefaultFlushDelay     = 5 * time.Second
	DefaultLoadRetries    = 3
	DefaultLoadRetryDelay = 10 * time.Millisecond
)

// Options tune a single backend.
type Options struct {
	// FlushDelay is the debounce window between the last mutation and the
	// automatic flush.
	FlushDelay time.Duration
	// LoadRetries is how often a load failing with out-of-memory is retried.
	LoadRetries int
	// LoadRetryDelay is the base of the retry delay, attempt n waits
	// LoadRetryDelay * 2^n.
	LoadRetryDelay time.Duration
	// ReadOnlyPairs enables SetItemReadOnly. Without it the read-only flag
	// of writes is ignored.
	ReadOnlyPairs bool
	// EntryLimit caps the number of pairs per table (0 = unlimited).
	EntryLimit int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		FlushDelay:     DefaultFlushDelay,
		LoadRetries:    DefaultLoadRetries,
		LoadRetryDelay: DefaultLoadRetryDelay,
	}
}

// withDefaults replaces unset durations by their defaults.
func (o Options) withDefaults() Options {
	if o.FlushDelay <= 0 {
		o.FlushDelay = DefaultFlushDelay
	}
	if o.LoadRetries < 0 {
		o.LoadRetries = 0
	}
	if o.LoadRetryDelay <= 0 {
		o.LoadRetryDelay = DefaultLoadRetryDelay
	}
	return o
}

// --------------------------------------------------------------------------
// Environment (collaborators of a backend)
// --------------------------------------------------------------------------

// Accounting tracks the bytes used by all backends of one class.
type Accounting interface {
	quota.Usage
	Add(delta int64)
}

// Env bundles everything a backend talks to. Store and Policy are required,
// everything else is optional.
type Env struct {
	Store    persist.Store
	Policy   quota.PolicyStore
	Usage    Accounting
	Listener quota.Listener
	Metrics  *Metrics
	Options  Options

	// Live reports whether the runtime still accepts prompts and background
	// writes. Nil means always live.
	Live func() bool
	// Predecessor is closed once an earlier backend of the same identity is
	// destroyed. Loading waits for it so the final flush of the old backend
	// is never missed.
	Predecessor <-chan struct{}
	// OnDestroyed is called on the loop goroutine after teardown.
	OnDestroyed func(b *Backend)
}
