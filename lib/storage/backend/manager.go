package backend

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/op"
	"github.com/ValentinKolb/wstore/lib/storage/persist"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"sync/atomic"
)

var mlog = logger.GetLogger("manager")

// --------------------------------------------------------------------------
// Usage accounting per persistence class
// --------------------------------------------------------------------------

// classUsage sums the table sizes of all backends of one class.
type classUsage struct {
	c *xsync.Counter
}

func newClassUsage() *classUsage {
	return &classUsage{c: xsync.NewCounter()}
}

func (u *classUsage) Used() int64 {
	return u.c.Value()
}

func (u *classUsage) Add(delta int64) {
	u.c.Add(delta)
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Config configures a Manager.
type Config struct {
	// Store loads and saves tables (required).
	Store persist.Store
	// Policy provides quota attributes, defaults to an unlimited MemoryPolicy.
	Policy quota.PolicyStore
	// Listener is asked when a write overflows the quota, nil means writes fail.
	Listener quota.Listener
	// Options are passed to every backend.
	Options Options
}

// Manager is the registry of all backends. It hands out one shared backend
// per identity and tears backends down once their last handle is released.
type Manager struct {
	store    persist.Store
	policy   quota.PolicyStore
	listener quota.Listener
	opts     Options

	backends   *xsync.MapOf[storage.Identity, *Backend]
	persistent *classUsage
	volatile   *classUsage
	metrics    *Metrics
	live       atomic.Bool
}

// NewManager creates a manager. The manager owns the store and closes it on
// Shutdown.
func NewManager(cfg Config) *Manager {
	policy := cfg.Policy
	if policy == nil {
		policy = quota.NewMemoryPolicy(quota.Defaults{
			OriginQuota: quota.Unlimited,
			GlobalQuota: quota.Unlimited,
		})
	}
	m := &Manager{
		store:      cfg.Store,
		policy:     policy,
		listener:   cfg.Listener,
		opts:       cfg.Options,
		backends:   xsync.NewMapOf[storage.Identity, *Backend](),
		persistent: newClassUsage(),
		volatile:   newClassUsage(),
		metrics:    NewMetrics(),
	}
	m.live.Store(true)
	return m
}

// Open returns a handle on the backend of id, creating the backend if needed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Manager) Open(id storage.Identity) (*Handle, error) {
	if !m.live.Load() {
		return nil, storage.NewError(storage.RetCShutdown, "manager is shut down")
	}
	if id.Type == storage.TypeSession && id.Persistence == storage.PersistenceDisk {
		// session tables never outlive the process
		id.Persistence = storage.PersistenceSession
	}

	b, _ := m.backends.Compute(id, func(old *Backend, loaded bool) (*Backend, bool) {
		if loaded && old.acquire() {
			return old, false
		}
		var predecessor <-chan struct{}
		if loaded {
			// the old backend is tearing down, its final flush has to land first
			predecessor = old.Destroyed()
		}
		return m.newBackend(id, predecessor), false
	})
	return &Handle{b: b}, nil
}

func (m *Manager) newBackend(id storage.Identity, predecessor <-chan struct{}) *Backend {
	usage := m.persistent
	if id.Persistence.Volatile() {
		usage = m.volatile
	}
	mlog.Debugf("opening backend %s", id)
	return New(id, Env{
		Store:       m.store,
		Policy:      m.policy,
		Usage:       usage,
		Listener:    m.listener,
		Metrics:     m.metrics,
		Options:     m.opts,
		Live:        m.live.Load,
		Predecessor: predecessor,
		OnDestroyed: m.forget,
	})
}

// forget removes b from the registry unless a successor replaced it.
func (m *Manager) forget(b *Backend) {
	m.backends.Compute(b.id, func(cur *Backend, loaded bool) (*Backend, bool) {
		if !loaded || cur == b {
			return nil, true
		}
		return cur, false
	})
}

// Shutdown tears down every backend concurrently, draining their queues and
// writing pending modifications, and closes the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.live.CompareAndSwap(true, false) {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	m.backends.Range(func(id storage.Identity, b *Backend) bool {
		g.Go(func() error {
			return b.Close(gctx)
		})
		return true
	})
	err := g.Wait()
	if cerr := m.store.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close store: %w", cerr)
	}
	mlog.Debugf("manager shut down")
	return err
}

// Live reports whether Shutdown has not been called yet.
func (m *Manager) Live() bool {
	return m.live.Load()
}

// Policy returns the quota policy shared by all backends.
func (m *Manager) Policy() quota.PolicyStore {
	return m.policy
}

// Used returns the bytes used by all persistent (volatile=false) or all
// memory-only backends.
func (m *Manager) Used(volatile bool) int64 {
	if volatile {
		return m.volatile.Used()
	}
	return m.persistent.Used()
}

// Metrics returns the metrics of all backends.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Backends returns the backends that are currently registered.
func (m *Manager) Backends() []*Backend {
	var out []*Backend
	m.backends.Range(func(_ storage.Identity, b *Backend) bool {
		out = append(out, b)
		return true
	})
	return out
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

// Handle is one reference on a backend. It must be released exactly once.
type Handle struct {
	b        *Backend
	released atomic.Bool
}

// Backend returns the referenced backend.
func (h *Handle) Backend() *Backend {
	return h.b
}

// Enqueue passes o to the backend. After Release o fails with storage.ErrShutdown.
func (h *Handle) Enqueue(o *op.Operation) {
	if h.released.Load() {
		o.Terminate(storage.NewError(storage.RetCShutdown, "handle is released"))
		return
	}
	h.b.Enqueue(o)
}

// Release drops the reference. Further calls do nothing.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.b.Release()
	}
}
