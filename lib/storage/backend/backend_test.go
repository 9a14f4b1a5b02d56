package backend

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/op"
	"github.com/ValentinKolb/wstore/lib/storage/persist"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/ValentinKolb/wstore/lib/storage/table"
	gometrics "github.com/rcrowley/go-metrics"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

const waitTimeout = 2 * time.Second

var testID = storage.Identity{
	Origin:      "https://example.com",
	Type:        storage.TypeLocal,
	Persistence: storage.PersistenceDisk,
}

// testOptions never flushes on its own unless a test asks for it.
func testOptions() Options {
	o := DefaultOptions()
	o.FlushDelay = time.Hour
	o.LoadRetryDelay = time.Millisecond
	return o
}

func newTestManager(t *testing.T, store persist.Store, policy quota.PolicyStore, listener quota.Listener, opts Options) *Manager {
	t.Helper()
	m := NewManager(Config{Store: store, Policy: policy, Listener: listener, Options: opts})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return m
}

func limitedPolicy(originQuota, globalQuota int64) *quota.MemoryPolicy {
	return quota.NewMemoryPolicy(quota.Defaults{
		OriginQuota: originQuota,
		GlobalQuota: globalQuota,
		Handling:    quota.HandlingAsk,
	})
}

func open(t *testing.T, m *Manager, id storage.Identity) *Handle {
	t.Helper()
	h, err := m.Open(id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return h
}

// run enqueues the operation built by mk and waits for its completion.
func run(t *testing.T, h *Handle, mk func(cb op.Callback) *op.Operation) op.Result {
	t.Helper()
	ch := make(chan op.Result, 1)
	h.Enqueue(mk(func(r op.Result) { ch <- r }))
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatalf("Timeout waiting for operation")
		return op.Result{}
	}
}

func setItem(t *testing.T, h *Handle, key, value string) op.Result {
	t.Helper()
	return run(t, h, func(cb op.Callback) *op.Operation {
		return op.NewSetItem(table.StringValue(key), table.StringValue(value), false, cb)
	})
}

func getItem(t *testing.T, h *Handle, key string) op.Result {
	t.Helper()
	return run(t, h, func(cb op.Callback) *op.Operation {
		return op.NewGetItem(table.StringValue(key), cb)
	})
}

func count(t *testing.T, h *Handle) int {
	t.Helper()
	r := run(t, h, op.NewGetCount)
	if r.Err != nil {
		t.Fatalf("GetCount failed: %v", r.Err)
	}
	return r.Count
}

func flush(t *testing.T, h *Handle, sync bool) op.Result {
	t.Helper()
	return run(t, h, func(cb op.Callback) *op.Operation { return op.NewFlush(sync, cb) })
}

func mustSucceed(t *testing.T, r op.Result) op.Result {
	t.Helper()
	if r.Err != nil {
		t.Fatalf("%s failed: %v", r.Kind, r.Err)
	}
	return r
}

func waitDestroyed(t *testing.T, b *Backend) {
	t.Helper()
	select {
	case <-b.Destroyed():
	case <-time.After(waitTimeout):
		t.Fatalf("Backend %s was not destroyed", b.Identity())
	}
}

func info(t *testing.T, b *Backend) Info {
	t.Helper()
	i, err := b.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	return i
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func pairCost(key, value string) int64 {
	return table.DefaultSizeModel(false).PairCost(table.StringValue(key), table.StringValue(value))
}

// faultyStore fails the first loadFailures loads and every save while failSaves is set.
// If saveGate is set, saves announce themselves on saveStarted and block until
// the gate is closed.
type faultyStore struct {
	*persist.MemoryStore
	loadErr      error
	loadFailures atomic.Int32
	loads        atomic.Int32
	failSaves    atomic.Bool
	saveGate     chan struct{}
	saveStarted  chan struct{}
}

func (s *faultyStore) Load(ctx context.Context, path string) ([]persist.Record, error) {
	s.loads.Add(1)
	if s.loadFailures.Add(-1) >= 0 {
		return nil, s.loadErr
	}
	return s.MemoryStore.Load(ctx, path)
}

func (s *faultyStore) Save(ctx context.Context, path string, records []persist.Record) error {
	if s.failSaves.Load() {
		return errors.New("disk full")
	}
	if s.saveGate != nil {
		select {
		case s.saveStarted <- struct{}{}:
		default:
		}
		<-s.saveGate
	}
	return s.MemoryStore.Save(ctx, path, records)
}

// stopRecorder counts how often a timer is stopped.
type stopRecorder struct {
	gometrics.Timer
	stops atomic.Int32
}

func (r *stopRecorder) Stop() {
	r.stops.Add(1)
	r.Timer.Stop()
}

// promptRecorder collects quota prompts without answering them.
type promptRecorder struct {
	mu        sync.Mutex
	requests  []quota.Request
	callbacks []quota.Callback
	reply     func(quota.Request, quota.Callback)
}

func (p *promptRecorder) OnQuotaExceeded(req quota.Request, cb quota.Callback) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.callbacks = append(p.callbacks, cb)
	reply := p.reply
	p.mu.Unlock()
	if reply != nil {
		go reply(req, cb)
	}
}

func (p *promptRecorder) prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *promptRecorder) callback(i int) quota.Callback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callbacks[i]
}

// --------------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------------

func TestSetGetCount(t *testing.T) {
	m := newTestManager(t, persist.NewMemoryStore(), nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	r := mustSucceed(t, setItem(t, h, "a", "1"))
	if !r.Mutated {
		t.Error("Expected SetItem to mutate")
	}
	if r.Value.Valid() {
		t.Errorf("Expected no previous value, got %v", r.Value)
	}

	r = mustSucceed(t, getItem(t, h, "a"))
	if r.Value.String() != "1" {
		t.Errorf("Expected value '1', got %v", r.Value)
	}
	if n := count(t, h); n != 1 {
		t.Errorf("Expected 1 item, got %d", n)
	}

	r = mustSucceed(t, run(t, h, func(cb op.Callback) *op.Operation { return op.NewGetKeyByIndex(0, cb) }))
	if r.Value.String() != "a" {
		t.Errorf("Expected key 'a' at index 0, got %v", r.Value)
	}
	r = mustSucceed(t, run(t, h, func(cb op.Callback) *op.Operation { return op.NewGetKeyByIndex(5, cb) }))
	if r.Value.Valid() {
		t.Errorf("Expected no key at index 5, got %v", r.Value)
	}
}

func TestQuotaExactFit(t *testing.T) {
	available := pairCost("k", "0123456789")
	m := newTestManager(t, persist.NewMemoryStore(), limitedPolicy(available, quota.Unlimited), nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	mustSucceed(t, setItem(t, h, "k", "0123456789"))

	r := setItem(t, h, "k2", "x")
	if !errors.Is(r.Err, storage.ErrQuotaExceeded) {
		t.Fatalf("Expected quota exceeded, got %v", r.Err)
	}
	if n := count(t, h); n != 1 {
		t.Errorf("Failed write must not change the table, got %d items", n)
	}
}

func TestQuotaBoundary(t *testing.T) {
	cost := pairCost("key", "value")

	for _, tc := range []struct {
		available int64
		wantErr   bool
	}{
		{cost, false},
		{cost - 1, true},
	} {
		t.Run(fmt.Sprintf("available=%d", tc.available), func(t *testing.T) {
			m := newTestManager(t, persist.NewMemoryStore(), limitedPolicy(tc.available, quota.Unlimited), nil, testOptions())
			h := open(t, m, testID)
			defer h.Release()

			r := setItem(t, h, "key", "value")
			if tc.wantErr != errors.Is(r.Err, storage.ErrQuotaExceeded) {
				t.Errorf("Expected quota error=%v, got %v", tc.wantErr, r.Err)
			}
		})
	}
}

func TestShrinkNeverOverflows(t *testing.T) {
	policy := limitedPolicy(quota.Unlimited, quota.Unlimited)
	m := newTestManager(t, persist.NewMemoryStore(), policy, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	mustSucceed(t, setItem(t, h, "k", "a long value"))
	mustSucceed(t, setItem(t, h, "other", "x"))
	policy.Set(testID.Origin, quota.AttrOriginQuota, 1)

	mustSucceed(t, setItem(t, h, "k", "short"))
	r := mustSucceed(t, run(t, h, func(cb op.Callback) *op.Operation {
		return op.NewSetItem(table.StringValue("other"), table.None, false, cb)
	}))
	if !r.Mutated || r.Value.String() != "x" {
		t.Errorf("Expected removal of 'x', got mutated=%v value=%v", r.Mutated, r.Value)
	}
	if used := info(t, h.Backend()).UsedBytes; used != pairCost("k", "short") {
		t.Errorf("Expected used %d, got %d", pairCost("k", "short"), used)
	}
}

func TestClearRemovesFile(t *testing.T) {
	store := persist.NewMemoryStore()
	path := store.Path(testID)
	if err := store.Save(context.Background(), path, []persist.Record{{Key: []byte("old"), Value: []byte("data")}}); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, store, nil, nil, testOptions())
	h := open(t, m, testID)
	b := h.Backend()

	mustSucceed(t, setItem(t, h, "k", "v"))
	r := mustSucceed(t, run(t, h, op.NewClear))
	if !r.Mutated {
		t.Error("Expected Clear to mutate")
	}
	if n := count(t, h); n != 0 {
		t.Errorf("Expected empty table, got %d", n)
	}

	h.Release()
	waitDestroyed(t, b)
	if store.Exists(path) {
		t.Error("Expected the file to be deleted")
	}
	if store.Saves() != 1 || store.Removes() != 1 {
		t.Errorf("Expected only the initial save and one removal, got %d saves and %d removals", store.Saves(), store.Removes())
	}
}

func TestReleaseWritesOnce(t *testing.T) {
	store := persist.NewMemoryStore()
	m := newTestManager(t, store, nil, nil, testOptions())
	h := open(t, m, testID)
	b := h.Backend()

	mustSucceed(t, setItem(t, h, "k", "v"))
	h.Release()
	h.Release() // second release is ignored
	waitDestroyed(t, b)

	if store.Saves() != 1 {
		t.Errorf("Expected exactly one write, got %d", store.Saves())
	}
	if !store.Exists(store.Path(testID)) {
		t.Error("Expected the file to exist")
	}
	if m.Metrics().Flushes() != 1 {
		t.Errorf("Expected 1 flush in metrics, got %d", m.Metrics().Flushes())
	}
}

// --------------------------------------------------------------------------
// Ordering and completion
// --------------------------------------------------------------------------

func TestFIFO(t *testing.T) {
	m := newTestManager(t, persist.NewMemoryStore(), nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	const n = 200
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		record := func(op.Result) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}
		switch i % 4 {
		case 0:
			h.Enqueue(op.NewSetItem(table.StringValue(fmt.Sprint(i)), table.StringValue("v"), false, record))
		case 1:
			h.Enqueue(op.NewGetCount(record))
		case 2:
			h.Enqueue(op.NewGetItem(table.StringValue(fmt.Sprint(i-2)), record))
		case 3:
			h.Enqueue(op.NewFlush(false, record))
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("Operation %d completed at position %d", v, i)
		}
	}
}

func TestExactlyOnceAcrossShutdown(t *testing.T) {
	m := NewManager(Config{Store: persist.NewMemoryStore(), Options: testOptions()})
	h := open(t, m, testID)

	const n = 100
	calls := make([]atomic.Int32, n)
	var errs atomic.Int32
	for i := 0; i < n; i++ {
		i := i
		h.Enqueue(op.NewSetItem(table.StringValue(fmt.Sprint(i)), table.StringValue("v"), false, func(r op.Result) {
			calls[i].Add(1)
			if r.Err != nil {
				errs.Add(1)
			}
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// queued operations are drained, not cancelled
	for i := range calls {
		if c := calls[i].Load(); c != 1 {
			t.Errorf("Operation %d completed %d times", i, c)
		}
	}
	if errs.Load() != 0 {
		t.Errorf("Expected all drained operations to succeed, %d failed", errs.Load())
	}

	// operations after shutdown fail exactly once
	var late atomic.Int32
	var lateErr error
	h.Backend().Enqueue(op.NewGetCount(func(r op.Result) {
		late.Add(1)
		lateErr = r.Err
	}))
	if late.Load() != 1 || !errors.Is(lateErr, storage.ErrShutdown) {
		t.Errorf("Expected one shutdown error, got %d calls with %v", late.Load(), lateErr)
	}
	if _, err := m.Open(testID); !errors.Is(err, storage.ErrShutdown) {
		t.Errorf("Expected Open after shutdown to fail, got %v", err)
	}
}

func TestIdempotentSet(t *testing.T) {
	m := newTestManager(t, persist.NewMemoryStore(), nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	mustSucceed(t, setItem(t, h, "k", "v"))
	mustSucceed(t, flush(t, h, true))
	before := info(t, h.Backend())

	r := mustSucceed(t, setItem(t, h, "k", "v"))
	if r.Mutated {
		t.Error("Setting an equal value must not mutate")
	}
	if r.Value.String() != "v" {
		t.Errorf("Expected the stored value to be echoed, got %v", r.Value)
	}
	after := info(t, h.Backend())
	if after.UsedBytes != before.UsedBytes || after.Modified {
		t.Errorf("Expected no change, used %d -> %d, modified=%v", before.UsedBytes, after.UsedBytes, after.Modified)
	}
}

func TestEnumerate(t *testing.T) {
	m := newTestManager(t, persist.NewMemoryStore(), nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	for _, k := range []string{"c", "a", "b"} {
		mustSucceed(t, setItem(t, h, k, "v"+k))
	}

	done := make(chan struct{})
	e := &recordingEnumerator{wantValues: true, done: done}
	h.Enqueue(op.NewEnumerate(e))
	<-done

	if e.discarded != 1 || e.err != nil {
		t.Fatalf("Expected one Discard and no error, got %d and %v", e.discarded, e.err)
	}
	want := []string{"c=vc", "a=va", "b=vb"}
	for i, w := range want {
		if e.pairs[i] != w {
			t.Errorf("Pair %d: expected %s, got %s", i, w, e.pairs[i])
		}
	}

	done = make(chan struct{})
	e = &recordingEnumerator{failAt: 1, done: done}
	h.Enqueue(op.NewEnumerate(e))
	<-done
	if e.discarded != 0 || e.err == nil || len(e.pairs) != 2 {
		t.Errorf("Expected HandleError after 2 pairs, got discard=%d err=%v pairs=%v", e.discarded, e.err, e.pairs)
	}
	if e.pairs[0] != "c=" {
		t.Errorf("Values must be absent if not wanted, got %s", e.pairs[0])
	}
}

type recordingEnumerator struct {
	wantValues bool
	failAt     int
	pairs      []string
	discarded  int
	err        error
	done       chan struct{}
}

func (e *recordingEnumerator) WantsValues() bool { return e.wantValues }

func (e *recordingEnumerator) HandleKey(index int, key, value table.Value) error {
	v := ""
	if value.Valid() {
		v = value.String()
	}
	e.pairs = append(e.pairs, key.String()+"="+v)
	if e.failAt > 0 && index == e.failAt {
		return errors.New("stop")
	}
	return nil
}

func (e *recordingEnumerator) HandleError(err error) {
	e.err = err
	close(e.done)
}

func (e *recordingEnumerator) Discard() {
	e.discarded++
	close(e.done)
}

// --------------------------------------------------------------------------
// Read-only pairs
// --------------------------------------------------------------------------

func TestReadOnlyPairs(t *testing.T) {
	opts := testOptions()
	opts.ReadOnlyPairs = true
	m := newTestManager(t, persist.NewMemoryStore(), nil, nil, opts)
	h := open(t, m, testID)
	defer h.Release()

	setRO := func(key, value string, ro bool) op.Result {
		return run(t, h, func(cb op.Callback) *op.Operation {
			return op.NewSetItemReadOnly(table.StringValue(key), table.StringValue(value), ro, false, cb)
		})
	}

	mustSucceed(t, setRO("locked", "1", true))
	mustSucceed(t, setItem(t, h, "free", "2"))

	if r := setItem(t, h, "locked", "x"); !errors.Is(r.Err, storage.ErrReadOnlyViolation) {
		t.Errorf("Expected read-only violation on overwrite, got %v", r.Err)
	}
	r := run(t, h, func(cb op.Callback) *op.Operation {
		return op.NewSetItem(table.StringValue("locked"), table.None, false, cb)
	})
	if !errors.Is(r.Err, storage.ErrReadOnlyViolation) {
		t.Errorf("Expected read-only violation on remove, got %v", r.Err)
	}

	r = mustSucceed(t, run(t, h, op.NewClear))
	if !r.Mutated {
		t.Error("Expected Clear to remove the writable pair")
	}
	if n := count(t, h); n != 1 {
		t.Errorf("Expected the read-only pair to survive Clear, got %d pairs", n)
	}

	// the privileged write can unlock the pair again
	mustSucceed(t, setRO("locked", "1", false))
	mustSucceed(t, setItem(t, h, "locked", "x"))

	mustSucceed(t, setRO("locked", "y", true))
	r = mustSucceed(t, run(t, h, op.NewClearAll))
	if !r.Mutated {
		t.Error("Expected ClearAll to mutate")
	}
	if n := count(t, h); n != 0 {
		t.Errorf("Expected ClearAll to drop read-only pairs, got %d", n)
	}
}

func TestClearAllSkipsLoad(t *testing.T) {
	store := &faultyStore{MemoryStore: persist.NewMemoryStore()}
	path := store.Path(testID)
	_ = store.MemoryStore.Save(context.Background(), path, []persist.Record{{Key: []byte("k"), Value: []byte("v")}})

	m := newTestManager(t, store, nil, nil, testOptions())
	h := open(t, m, testID)
	b := h.Backend()

	r := mustSucceed(t, run(t, h, op.NewClearAll))
	if !r.Mutated {
		t.Error("Expected ClearAll of an unloaded backend to mutate")
	}
	if store.loads.Load() != 0 {
		t.Errorf("ClearAll must not load, got %d loads", store.loads.Load())
	}
	if n := count(t, h); n != 0 {
		t.Errorf("Expected an empty table, got %d", n)
	}

	h.Release()
	waitDestroyed(t, b)
	if store.Exists(path) {
		t.Error("Expected the stored table to be removed")
	}
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

func TestRoundTrip(t *testing.T) {
	store := persist.NewMemoryStore()
	opts := testOptions()
	opts.ReadOnlyPairs = true

	pairs := [][2]string{
		{"ascii", "value"},
		{"ключ", "значение"},
		{"鍵", "値 🚀"},
		{"", "empty key"},
		{"empty value", ""},
	}

	m := NewManager(Config{Store: store, Options: opts})
	h := open(t, m, testID)
	for _, p := range pairs {
		mustSucceed(t, setItem(t, h, p[0], p[1]))
	}
	mustSucceed(t, run(t, h, func(cb op.Callback) *op.Operation {
		return op.NewSetItemReadOnly(table.StringValue("ro"), table.StringValue("fixed"), true, false, cb)
	}))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	m2 := newTestManager(t, store, nil, nil, opts)
	h2 := open(t, m2, testID)
	defer h2.Release()

	if n := count(t, h2); n != len(pairs)+1 {
		t.Fatalf("Expected %d pairs, got %d", len(pairs)+1, n)
	}
	for i, p := range pairs {
		r := mustSucceed(t, getItem(t, h2, p[0]))
		if !r.Value.Valid() || r.Value.String() != p[1] {
			t.Errorf("Key %q: expected %q, got %v", p[0], p[1], r.Value)
		}
		r = mustSucceed(t, run(t, h2, func(cb op.Callback) *op.Operation { return op.NewGetKeyByIndex(i, cb) }))
		if r.Value.String() != p[0] {
			t.Errorf("Index %d: expected key %q, got %v", i, p[0], r.Value)
		}
	}
	if r := setItem(t, h2, "ro", "changed"); !errors.Is(r.Err, storage.ErrReadOnlyViolation) {
		t.Errorf("Expected the read-only flag to survive, got %v", r.Err)
	}
}

func TestCorruptedFileResets(t *testing.T) {
	store := persist.NewMemoryStore()
	store.Put(store.Path(testID), []byte("definitely not a table"))

	m := newTestManager(t, store, nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	// the first operation reports the load failure
	r := getItem(t, h, "k")
	if !errors.Is(r.Err, storage.ErrCorruptedFile) {
		t.Fatalf("Expected corrupted file error, got %v", r.Err)
	}
	// every later operation works on the empty table
	if n := count(t, h); n != 0 {
		t.Errorf("Expected an empty table, got %d", n)
	}
	mustSucceed(t, setItem(t, h, "k", "v"))
	if m.Metrics().LoadFailures() != 1 {
		t.Errorf("Expected 1 load failure, got %d", m.Metrics().LoadFailures())
	}
}

func TestLoadOutOfMemoryRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		store := &faultyStore{MemoryStore: persist.NewMemoryStore(), loadErr: storage.ErrOutOfMemory}
		_ = store.MemoryStore.Save(context.Background(), store.Path(testID), []persist.Record{{Key: []byte("k"), Value: []byte("v")}})
		store.loadFailures.Store(2)

		m := newTestManager(t, store, nil, nil, testOptions())
		h := open(t, m, testID)
		defer h.Release()

		r := mustSucceed(t, getItem(t, h, "k"))
		if r.Value.String() != "v" {
			t.Errorf("Expected the loaded value, got %v", r.Value)
		}
		if store.loads.Load() != 3 || m.Metrics().LoadRetries() != 2 {
			t.Errorf("Expected 3 loads and 2 retries, got %d and %d", store.loads.Load(), m.Metrics().LoadRetries())
		}
	})

	t.Run("gives up", func(t *testing.T) {
		store := &faultyStore{MemoryStore: persist.NewMemoryStore(), loadErr: storage.ErrOutOfMemory}
		store.loadFailures.Store(100)

		m := newTestManager(t, store, nil, nil, testOptions())
		h := open(t, m, testID)
		defer h.Release()

		if r := getItem(t, h, "k"); !errors.Is(r.Err, storage.ErrOutOfMemory) {
			t.Fatalf("Expected out of memory, got %v", r.Err)
		}
		if n := count(t, h); n != 0 {
			t.Errorf("Expected an empty table, got %d", n)
		}
		if got := store.loads.Load(); got != DefaultLoadRetries+1 {
			t.Errorf("Expected %d loads, got %d", DefaultLoadRetries+1, got)
		}
	})
}

func TestDelayedFlush(t *testing.T) {
	store := persist.NewMemoryStore()
	opts := testOptions()
	opts.FlushDelay = 20 * time.Millisecond
	m := newTestManager(t, store, nil, nil, opts)
	h := open(t, m, testID)
	defer h.Release()

	// a burst of writes ends up in one flush
	for i := 0; i < 9; i++ {
		h.Enqueue(op.NewSetItem(table.StringValue(fmt.Sprint(i)), table.StringValue("v"), false, nil))
	}
	mustSucceed(t, setItem(t, h, "last", "v"))
	eventually(t, "the delayed flush", func() bool { return store.Saves() == 1 })
	time.Sleep(3 * opts.FlushDelay)
	if store.Saves() != 1 {
		t.Errorf("Expected exactly one write, got %d", store.Saves())
	}
	if info(t, h.Backend()).Modified {
		t.Error("Expected no pending modifications after the flush")
	}
}

func TestFlushFailure(t *testing.T) {
	store := &faultyStore{MemoryStore: persist.NewMemoryStore()}
	m := newTestManager(t, store, nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	mustSucceed(t, setItem(t, h, "k", "v"))
	store.failSaves.Store(true)

	if r := flush(t, h, true); r.Err == nil {
		t.Fatal("Expected the synchronous flush to fail")
	}
	if r := flush(t, h, false); r.Err == nil {
		t.Fatal("Expected the background flush to fail")
	}
	if !info(t, h.Backend()).Modified {
		t.Error("Failed flushes must keep the modifications")
	}

	store.failSaves.Store(false)
	mustSucceed(t, flush(t, h, false))
	if info(t, h.Backend()).Modified || store.Saves() != 1 {
		t.Errorf("Expected one successful write, got %d", store.Saves())
	}
	if m.Metrics().FlushErrors() != 2 {
		t.Errorf("Expected 2 flush errors, got %d", m.Metrics().FlushErrors())
	}
}

func TestVolatileNeverWrites(t *testing.T) {
	store := persist.NewMemoryStore()
	m := newTestManager(t, store, nil, nil, testOptions())
	id := testID
	id.Type = storage.TypeSession
	h := open(t, m, id)
	b := h.Backend()

	if b.Path() != persist.MemoryPath {
		t.Fatalf("Expected a session backend to live in memory, got %s", b.Path())
	}
	mustSucceed(t, setItem(t, h, "k", "v"))
	mustSucceed(t, flush(t, h, true))
	if m.Used(true) == 0 || m.Used(false) != 0 {
		t.Errorf("Expected volatile accounting only, got volatile=%d persistent=%d", m.Used(true), m.Used(false))
	}
	h.Release()
	waitDestroyed(t, b)
	if store.Saves() != 0 || store.Removes() != 0 {
		t.Errorf("Expected no disk access, got %d saves and %d removals", store.Saves(), store.Removes())
	}
	if m.Used(true) != 0 {
		t.Errorf("Expected the accounting to be released, got %d", m.Used(true))
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestSharedBackend(t *testing.T) {
	store := persist.NewMemoryStore()
	m := newTestManager(t, store, nil, nil, testOptions())
	h1 := open(t, m, testID)
	h2 := open(t, m, testID)
	if h1.Backend() != h2.Backend() {
		t.Fatal("Expected both handles to share a backend")
	}

	mustSucceed(t, setItem(t, h1, "k", "v"))
	h1.Release()
	if r := mustSucceed(t, getItem(t, h2, "k")); r.Value.String() != "v" {
		t.Errorf("Expected 'v', got %v", r.Value)
	}
	if r := getItem(t, h1, "k"); !errors.Is(r.Err, storage.ErrShutdown) {
		t.Errorf("Expected released handle to fail, got %v", r.Err)
	}

	b := h2.Backend()
	var notified atomic.Int32
	b.OnShutdown(func(id storage.Identity) {
		if id == testID {
			notified.Add(1)
		}
	})
	h2.Release()
	waitDestroyed(t, b)
	if notified.Load() != 1 {
		t.Errorf("Expected one shutdown notification, got %d", notified.Load())
	}
	eventually(t, "the registry cleanup", func() bool { return len(m.Backends()) == 0 })
}

func TestReopenSeesFinalFlush(t *testing.T) {
	store := persist.NewMemoryStore()
	m := newTestManager(t, store, nil, nil, testOptions())

	for i := 0; i < 20; i++ {
		h := open(t, m, testID)
		mustSucceed(t, setItem(t, h, fmt.Sprint(i), "v"))
		h.Release()
	}
	h := open(t, m, testID)
	defer h.Release()
	if n := count(t, h); n != 20 {
		t.Errorf("Expected 20 pairs after reopening, got %d", n)
	}
}

func TestCloseDrainsPendingLoad(t *testing.T) {
	store := persist.NewMemoryStore()
	_ = store.Save(context.Background(), store.Path(testID), []persist.Record{{Key: []byte("k"), Value: []byte("v")}})
	m := NewManager(Config{Store: store, Options: testOptions()})
	h := open(t, m, testID)

	results := make(chan op.Result, 2)
	h.Enqueue(op.NewGetItem(table.StringValue("k"), func(r op.Result) { results <- r }))
	h.Enqueue(op.NewSetItem(table.StringValue("k2"), table.StringValue("v2"), false, func(r op.Result) { results <- r }))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	r := <-results
	if r.Err != nil || r.Value.String() != "v" {
		t.Errorf("Expected drained GetItem to see 'v', got %v (%v)", r.Value, r.Err)
	}
	if r = <-results; r.Err != nil {
		t.Errorf("Expected drained SetItem to succeed, got %v", r.Err)
	}

	records, err := store.Load(context.Background(), store.Path(testID))
	if err != nil || len(records) != 2 {
		t.Errorf("Expected the final flush to store 2 pairs, got %d (%v)", len(records), err)
	}
}

func TestCancelAll(t *testing.T) {
	listener := &promptRecorder{}
	m := newTestManager(t, persist.NewMemoryStore(), limitedPolicy(1, quota.Unlimited), listener, testOptions())
	h := open(t, m, testID)
	defer h.Release()
	b := h.Backend()

	var called atomic.Int32
	h.Enqueue(op.NewSetItem(table.StringValue("k"), table.StringValue("v"), false, func(op.Result) { called.Add(1) }))
	h.Enqueue(op.NewGetCount(func(op.Result) { called.Add(1) }))
	eventually(t, "the quota prompt", func() bool { return listener.prompts() == 1 })

	if err := b.CancelAll(); err != nil {
		t.Fatal(err)
	}
	i := info(t, b)
	if i.Pending != 0 || i.QuotaState != quota.StateDefault {
		t.Errorf("Expected an empty queue, got %d pending in quota state %s", i.Pending, i.QuotaState)
	}

	// a late answer is ignored
	listener.callback(0).OnQuotaReply(true, 0)
	if n := count(t, h); n != 0 {
		t.Errorf("Expected no pairs, got %d", n)
	}
	if called.Load() != 0 {
		t.Errorf("Cancelled operations must not complete, got %d completions", called.Load())
	}
}

// --------------------------------------------------------------------------
// Initialization errors
// --------------------------------------------------------------------------

func TestStickyInitErrorSurfacesOnce(t *testing.T) {
	store := &faultyStore{MemoryStore: persist.NewMemoryStore(), loadErr: storage.ErrCorruptedFile}
	store.loadFailures.Store(1)
	m := newTestManager(t, store, nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	wg.Add(len(errs))
	for i := range errs {
		i := i
		h.Enqueue(op.NewGetCount(func(r op.Result) {
			errs[i] = r.Err
			wg.Done()
		}))
	}
	wg.Wait()

	if !errors.Is(errs[0], storage.ErrCorruptedFile) {
		t.Errorf("Expected the first operation to report the load error, got %v", errs[0])
	}
	for i, err := range errs[1:] {
		if err != nil {
			t.Errorf("Operation %d: expected success, got %v", i+1, err)
		}
	}
}

func TestDelayedFlushWaitsForBusyQueue(t *testing.T) {
	store := persist.NewMemoryStore()
	listener := &promptRecorder{}
	opts := testOptions()
	opts.FlushDelay = 200 * time.Millisecond
	policy := limitedPolicy(pairCost("a", "1")+pairCost("b", "2"), quota.Unlimited)
	m := newTestManager(t, store, policy, listener, opts)
	h := open(t, m, testID)
	defer h.Release()
	b := h.Backend()

	mustSucceed(t, setItem(t, h, "a", "1")) // arms the timer
	time.Sleep(opts.FlushDelay / 2)
	mustSucceed(t, setItem(t, h, "b", "2"))
	lastWrite := time.Now()

	// an overflowing write stays at the head of the queue until its prompt is answered
	done := make(chan op.Result, 1)
	h.Enqueue(op.NewSetItem(table.StringValue("c"), table.StringValue("3"), false, func(r op.Result) { done <- r }))
	eventually(t, "the quota prompt", func() bool { return listener.prompts() == 1 })

	// the timer fires during the prompt and waits for the rest of the window
	// (measured from the last write) before it queues the flush
	eventually(t, "the queued flush", func() bool { return info(t, b).Pending == 2 })
	if elapsed := time.Since(lastWrite); elapsed < opts.FlushDelay*3/4 {
		t.Errorf("Flush was queued %v after the last write, expected about %v", elapsed, opts.FlushDelay)
	}
	if store.Saves() != 0 {
		t.Errorf("Expected no write while the queue is blocked, got %d", store.Saves())
	}

	listener.callback(0).OnCancel()
	select {
	case r := <-done:
		if !errors.Is(r.Err, storage.ErrQuotaExceeded) {
			t.Errorf("Expected the cancelled write to fail with QuotaExceeded, got %v", r.Err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Timeout waiting for the cancelled write")
	}

	eventually(t, "the delayed write", func() bool { return store.Saves() == 1 })
	records, err := store.Load(context.Background(), store.Path(testID))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 stored pairs, got %d", len(records))
	}
}

func TestCloseDuringBackgroundWrite(t *testing.T) {
	store := &faultyStore{
		MemoryStore: persist.NewMemoryStore(),
		saveGate:    make(chan struct{}),
		saveStarted: make(chan struct{}, 1),
	}
	m := newTestManager(t, store, nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()
	b := h.Backend()

	mustSucceed(t, setItem(t, h, "k", "v1"))

	var flushes atomic.Int32
	flushErr := make(chan error, 2)
	h.Enqueue(op.NewFlush(false, func(r op.Result) {
		flushes.Add(1)
		flushErr <- r.Err
	}))
	select {
	case <-store.saveStarted:
	case <-time.After(waitTimeout):
		t.Fatal("Timeout waiting for the background write")
	}

	setDone := make(chan op.Result, 1)
	h.Enqueue(op.NewSetItem(table.StringValue("k"), table.StringValue("v2"), false, func(r op.Result) { setDone <- r }))

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		closed <- b.Close(ctx)
	}()
	time.Sleep(20 * time.Millisecond) // teardown now waits for the write in progress
	close(store.saveGate)

	if err := <-closed; err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitDestroyed(t, b)

	if n := flushes.Load(); n != 1 {
		t.Fatalf("Expected the flush to complete exactly once, got %d", n)
	}
	if err := <-flushErr; err != nil {
		t.Errorf("Expected the flush to succeed, got %v", err)
	}
	mustSucceed(t, <-setDone)

	records, err := store.MemoryStore.Load(context.Background(), store.Path(testID))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || string(records[0].Value) != "v2" {
		t.Errorf("Expected the final state k=v2 on disk, got %+v", records)
	}
	if store.Saves() != 2 {
		t.Errorf("Expected the background and the final write, got %d", store.Saves())
	}
}

func TestTeardownStopsLatencyTimer(t *testing.T) {
	m := newTestManager(t, persist.NewMemoryStore(), nil, nil, testOptions())
	h := open(t, m, testID)
	b := h.Backend()
	mustSucceed(t, setItem(t, h, "k", "v"))

	rec := &stopRecorder{}
	if err := b.loop.Call(func() {
		rec.Timer = b.latency
		b.latency = rec
	}); err != nil {
		t.Fatal(err)
	}

	h.Release()
	waitDestroyed(t, b)

	if n := rec.stops.Load(); n != 1 {
		t.Errorf("Expected the latency timer to be stopped once, got %d", n)
	}
	if _, err := b.Info(); err == nil {
		t.Error("Expected Info to fail on a destroyed backend")
	}
}

func TestUnknownKindFails(t *testing.T) {
	m := newTestManager(t, persist.NewMemoryStore(), nil, nil, testOptions())
	h := open(t, m, testID)
	defer h.Release()

	r := run(t, h, func(cb op.Callback) *op.Operation {
		o := op.NewGetCount(cb)
		o.Kind = op.KindFlushToDisk + 1
		return o
	})
	if storage.CodeOf(r.Err) != storage.RetCInvalidOperation {
		t.Errorf("Expected InvalidOperation, got %v", r.Err)
	}

	// the backend keeps working
	mustSucceed(t, setItem(t, h, "k", "v"))
	if n := count(t, h); n != 1 {
		t.Errorf("Expected 1 pair, got %d", n)
	}
}
