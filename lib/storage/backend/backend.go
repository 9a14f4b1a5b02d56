package backend

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/op"
	"github.com/ValentinKolb/wstore/lib/storage/persist"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/ValentinKolb/wstore/lib/storage/sched"
	"github.com/ValentinKolb/wstore/lib/storage/table"
	"github.com/ValentinKolb/wstore/lib/storage/util"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"sync"
	"time"
)

var log = logger.GetLogger("backend")

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// State is the lifecycle state of a backend.
type State uint8

const (
	StateUninitialized State = iota // nothing loaded yet
	StateInitializing               // a load is in progress
	StateInitialized                // the table is usable
	StateBeingDeleted               // the last reference is gone, draining
	StateDestroyed                  // all resources released
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateInitialized:
		return "Initialized"
	case StateBeingDeleted:
		return "BeingDeleted"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Backend
// --------------------------------------------------------------------------

// Backend owns the table of one identity and executes its operations in
// FIFO order on its own run loop.
//
// Thread-safety: Enqueue, Release, Close, Info, CancelAll and OnShutdown may
// be called from any goroutine. Everything else runs on the loop.
type Backend struct {
	id   storage.Identity
	path string
	env  Env
	opts Options

	loop         *sched.Loop
	executeNext  *sched.Signal
	delayedFlush *sched.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	destroyed chan struct{}

	// guarded by mu
	mu        sync.Mutex
	refs      int
	closing   bool
	listeners []func(storage.Identity)

	// owned by the loop goroutine
	table   *table.Table
	queue   *op.Queue
	guard   *quota.Guard
	tracker quota.Tracker
	state   State

	initialized      bool
	waitingForLoad   bool
	waitingForWrite  bool
	hasModifications bool
	initErr          error

	loadGen     uint64 // bumped to abandon a running load
	loadAttempt int

	save        *pendingSave
	saveSeq     uint64
	lastSaveSeq uint64
	lastSaveErr error

	reportedUsed     int64 // bytes added to env.Usage so far
	lastOperation    time.Time
	lastModification time.Time
	executed         uint64

	latency    gometrics.Timer
	valueSizes *util.SizeHistogram
}

// New creates a backend for id holding one reference. The table is loaded
// lazily by the first operation that needs it.
func New(id storage.Identity, env Env) *Backend {
	opts := env.Options.withDefaults()
	if env.Metrics == nil {
		env.Metrics = NewMetrics()
	}

	b := &Backend{
		id:         id,
		path:       env.Store.Path(id),
		env:        env,
		opts:       opts,
		destroyed:  make(chan struct{}),
		refs:       1,
		table:      newTable(id, opts),
		queue:      op.NewQueue(),
		state:      StateUninitialized,
		latency:    gometrics.NewTimer(),
		valueSizes: util.NewSizeHistogram(),
	}
	if id.Persistence.Volatile() {
		b.path = persist.MemoryPath
	}
	var usage quota.Usage
	if env.Usage != nil {
		usage = env.Usage
	}
	b.guard = quota.NewGuard(id.Origin, env.Policy, usage)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.loop = sched.NewLoop(id.String())
	b.executeNext = b.loop.NewSignal(b.runNext)
	b.delayedFlush = b.loop.NewTimer(b.onDelayedFlush)

	log.Debugf("created backend %s (path %s)", id, b.path)
	return b
}

// newTable creates an empty table with the size model matching id.
func newTable(id storage.Identity, opts Options) *table.Table {
	return table.New(table.DefaultSizeModel(id.Persistence.Volatile())).WithLimit(opts.EntryLimit)
}

// Identity returns the identity the backend was created for.
func (b *Backend) Identity() storage.Identity {
	return b.id
}

// Path returns where the table is stored, persist.MemoryPath if it is never written.
func (b *Backend) Path() string {
	return b.path
}

// Destroyed is closed once the backend released all resources.
func (b *Backend) Destroyed() <-chan struct{} {
	return b.destroyed
}

// Enqueue appends o to the operation queue. If the backend is shutting down o
// is terminated right away with storage.ErrShutdown.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
// Operations enqueued by one goroutine execute in enqueue order.
func (b *Backend) Enqueue(o *op.Operation) {
	if !o.Kind.Valid() {
		o.Terminate(storage.Errorf(storage.RetCInvalidOperation, "unknown operation kind %d", o.Kind))
		return
	}
	if !b.loop.Post(func() { b.enqueue(o) }) {
		o.Terminate(b.shutdownError())
	}
}

// enqueue runs on the loop.
func (b *Backend) enqueue(o *op.Operation) {
	if b.state >= StateBeingDeleted && !o.Internal {
		o.Terminate(b.shutdownError())
		return
	}
	o.Enqueued = time.Now()
	b.queue.Push(o)
	b.executeNext.Post()
}

func (b *Backend) shutdownError() error {
	return storage.Errorf(storage.RetCShutdown, "backend %s is shutting down", b.id)
}

// OnShutdown registers fn to be called once the backend was torn down.
func (b *Backend) OnShutdown(fn func(storage.Identity)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// live reports whether prompts and background writes are still allowed.
func (b *Backend) live() bool {
	if b.state >= StateBeingDeleted {
		return false
	}
	return b.env.Live == nil || b.env.Live()
}

// --------------------------------------------------------------------------
// Reference counting
// --------------------------------------------------------------------------

// acquire adds a reference. It fails once teardown has been decided.
func (b *Backend) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.refs++
	return true
}

// Release drops a reference. Pending modifications are written right away
// and the backend tears itself down once nothing references it, its queue
// is empty and no write is outstanding.
func (b *Backend) Release() {
	b.mu.Lock()
	if b.refs > 0 {
		b.refs--
	}
	b.mu.Unlock()
	b.loop.Post(b.onRelease)
}

func (b *Backend) onRelease() {
	if b.state == StateInitialized && b.hasModifications && b.live() {
		b.delayedFlush.Stop()
		b.enqueueInternalFlush()
		return // teardown is attempted once the queue ran empty
	}
	b.maybeTeardown()
}

// maybeTeardown tears the backend down if nothing keeps it alive.
func (b *Backend) maybeTeardown() {
	if b.state >= StateBeingDeleted || !b.queue.Empty() || b.save != nil {
		return
	}
	b.mu.Lock()
	if b.refs > 0 || b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	b.mu.Unlock()
	b.teardown()
}

// Close tears the backend down regardless of its references and waits until
// it is destroyed. Queued operations are executed before.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	b.loop.Post(func() {
		if b.state < StateBeingDeleted {
			b.teardown()
		}
	})
	select {
	case <-b.destroyed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backend %s did not shut down: %w", b.id, ctx.Err())
	}
}

// teardown drains the queue synchronously, writes what is left and releases
// every resource. Runs on the loop.
func (b *Backend) teardown() {
	log.Debugf("tearing down backend %s (%d queued)", b.id, b.queue.Len())
	b.state = StateBeingDeleted
	b.delayedFlush.Stop()

	b.drain()
	if b.hasModifications {
		if out := b.flushSync(); out.Status == op.StatusFailed {
			log.Errorf("final flush of %s failed, modifications are lost: %v", b.id, out.Err)
		}
	}

	b.state = StateDestroyed
	b.latency.Stop() // unregisters the meter from the go-metrics arbiter
	b.tracker.Reset()
	b.table = newTable(b.id, b.opts)
	b.syncUsage()
	b.cancel()
	b.loop.Stop()

	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(b.id)
	}
	if b.env.OnDestroyed != nil {
		b.env.OnDestroyed(b)
	}
	close(b.destroyed)
	log.Debugf("backend %s destroyed", b.id)
}

// drain executes every queued operation to completion. Loads and flushes
// happen synchronously and quota prompts are not possible anymore.
func (b *Backend) drain() {
	for !b.queue.Empty() {
		o := b.queue.Peek()
		if ph := o.Phase(); ph == op.PhaseAwaitingQuota || ph == op.PhaseResumed {
			// nobody can answer anymore, re-run the write without asking
			b.tracker.Reset()
			o.SetPhase(op.PhaseNotStarted)
		}
		out := b.process(o)
		if out.Status == op.StatusPending {
			out = op.Failed(b.shutdownError())
		}
		b.queue.Pop()
		b.finish(o, out)
	}
}

// --------------------------------------------------------------------------
// Administration
// --------------------------------------------------------------------------

// CancelAll drops every queued operation without invoking its completion.
// It exists for tests and debugging only, production code always drains.
func (b *Backend) CancelAll() error {
	return b.loop.Call(func() {
		dropped := b.queue.Drain()
		b.tracker.Reset()
		if len(dropped) > 0 {
			log.Warningf("cancelled %d operations of %s", len(dropped), b.id)
		}
	})
}

// Info is a snapshot of the backend state.
type Info struct {
	Identity      storage.Identity
	State         State
	Path          string
	Count         int
	UsedBytes     int64
	ExecutedOps   uint64
	Pending       int
	QuotaState    quota.State
	Modified      bool
	LastOperation time.Time
	LatencyMeanMs float64
	AvgValueSize  int
	P95ValueSize  int
}

// Info returns a snapshot of the backend. It fails once the backend is destroyed.
func (b *Backend) Info() (Info, error) {
	var info Info
	err := b.loop.Call(func() {
		info = Info{
			Identity:      b.id,
			State:         b.state,
			Path:          b.path,
			Count:         b.table.Count(),
			UsedBytes:     b.table.Used(),
			ExecutedOps:   b.executed,
			Pending:       b.queue.Len(),
			QuotaState:    b.tracker.State(),
			Modified:      b.hasModifications,
			LastOperation: b.lastOperation,
			LatencyMeanMs: b.latency.Mean() / float64(time.Millisecond),
			AvgValueSize:  b.valueSizes.AverageSize(),
			P95ValueSize:  b.valueSizes.Percentile(95),
		}
	})
	return info, err
}

// --------------------------------------------------------------------------
// Size accounting
// --------------------------------------------------------------------------

// syncUsage reports the change of the table size to the class accounting.
func (b *Backend) syncUsage() {
	used := b.table.Used()
	if b.env.Usage != nil && used != b.reportedUsed {
		b.env.Usage.Add(used - b.reportedUsed)
	}
	b.reportedUsed = used
}

// modified marks the table as changed and arms the delayed flush.
func (b *Backend) modified() {
	b.syncUsage()
	b.lastModification = time.Now()
	if b.path == persist.MemoryPath {
		return
	}
	b.hasModifications = true
	if b.state < StateBeingDeleted {
		b.delayedFlush.Schedule(b.opts.FlushDelay)
	}
}
