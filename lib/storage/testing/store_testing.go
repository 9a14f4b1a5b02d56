package testing

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"sync"
	"testing"
)

// Harness runs one storage engine for the suite. All stores it opens share
// one identity. Read-only pairs must be enabled.
type Harness interface {
	// Open returns a new store on the shared identity.
	Open(t *testing.T) storage.IStore
	// Restart shuts the engine down and starts a new one on the same data.
	Restart(t *testing.T)
}

// HarnessFactory creates a harness with empty storage.
type HarnessFactory func(t *testing.T) Harness

// RunStoreTests runs the conformance suite for an IStore implementation.
func RunStoreTests(t *testing.T, name string, factory HarnessFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SetGet", func(t *testing.T) {
			testSetGet(t, factory(t))
		})

		t.Run("Remove", func(t *testing.T) {
			testRemove(t, factory(t))
		})

		t.Run("KeyOrder", func(t *testing.T) {
			testKeyOrder(t, factory(t))
		})

		t.Run("Clear", func(t *testing.T) {
			testClear(t, factory(t))
		})

		t.Run("ReadOnly", func(t *testing.T) {
			testReadOnly(t, factory(t))
		})

		t.Run("Keys", func(t *testing.T) {
			testKeys(t, factory(t))
		})

		t.Run("Persistence", func(t *testing.T) {
			testPersistence(t, factory(t))
		})

		t.Run("ClearPersists", func(t *testing.T) {
			testClearPersists(t, factory(t))
		})

		t.Run("Cancelled", func(t *testing.T) {
			testCancelled(t, factory(t))
		})

		t.Run("ConcurrentStores", func(t *testing.T) {
			testConcurrentStores(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func open(t *testing.T, h Harness) storage.IStore {
	t.Helper()
	s := h.Open(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSet(t *testing.T, s storage.IStore, key, value string) {
	t.Helper()
	if _, err := s.SetItem(context.Background(), key, value); err != nil {
		t.Fatalf("SetItem(%q) failed: %v", key, err)
	}
}

func expectValue(t *testing.T, s storage.IStore, key, want string) {
	t.Helper()
	got, ok, err := s.GetItem(context.Background(), key)
	if err != nil {
		t.Fatalf("GetItem(%q) failed: %v", key, err)
	}
	if !ok {
		t.Errorf("Expected key %q to exist", key)
		return
	}
	if got != want {
		t.Errorf("Key %q: expected %q, got %q", key, want, got)
	}
}

func expectMissing(t *testing.T, s storage.IStore, key string) {
	t.Helper()
	_, ok, err := s.GetItem(context.Background(), key)
	if err != nil {
		t.Fatalf("GetItem(%q) failed: %v", key, err)
	}
	if ok {
		t.Errorf("Expected key %q to be missing", key)
	}
}

func expectLength(t *testing.T, s storage.IStore, want int) {
	t.Helper()
	n, err := s.Length(context.Background())
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if n != want {
		t.Errorf("Expected %d pairs, got %d", want, n)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, h Harness) {
	s := open(t, h)
	ctx := context.Background()

	mutated, err := s.SetItem(ctx, "test-key", "test-value1")
	if err != nil || !mutated {
		t.Fatalf("Expected first SetItem to mutate, got %v (%v)", mutated, err)
	}
	expectValue(t, s, "test-key", "test-value1")

	if _, err := s.SetItem(ctx, "test-key", "test-value2"); err != nil {
		t.Fatal(err)
	}
	expectValue(t, s, "test-key", "test-value2")

	mutated, err = s.SetItem(ctx, "test-key", "test-value2")
	if err != nil || mutated {
		t.Errorf("Expected setting the same value to be a no-op, got %v (%v)", mutated, err)
	}

	expectMissing(t, s, "nonexistent-key")
	expectLength(t, s, 1)
}

func testRemove(t *testing.T, h Harness) {
	s := open(t, h)
	ctx := context.Background()

	mustSet(t, s, "a", "1")
	mustSet(t, s, "b", "2")

	mutated, err := s.RemoveItem(ctx, "a")
	if err != nil || !mutated {
		t.Errorf("Expected RemoveItem to mutate, got %v (%v)", mutated, err)
	}
	mutated, err = s.RemoveItem(ctx, "a")
	if err != nil || mutated {
		t.Errorf("Expected removing a missing key to be a no-op, got %v (%v)", mutated, err)
	}
	expectMissing(t, s, "a")
	expectValue(t, s, "b", "2")
	expectLength(t, s, 1)
}

func testKeyOrder(t *testing.T, h Harness) {
	s := open(t, h)
	ctx := context.Background()

	keys := []string{"zeta", "alpha", "mid", "ключ", "鍵"}
	for _, k := range keys {
		mustSet(t, s, k, "v")
	}
	// overwriting keeps the position
	mustSet(t, s, "zeta", "changed")

	for i, want := range keys {
		got, ok, err := s.Key(ctx, i)
		if err != nil || !ok || got != want {
			t.Errorf("Key(%d): expected %q, got %q ok=%v err=%v", i, want, got, ok, err)
		}
	}
	if _, ok, _ := s.Key(ctx, len(keys)); ok {
		t.Error("Expected no key past the end")
	}
	if _, ok, _ := s.Key(ctx, -1); ok {
		t.Error("Expected no key at a negative index")
	}

	if _, err := s.RemoveItem(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := s.Key(ctx, 1); got != "mid" {
		t.Errorf("Expected removal to shift later keys, got %q at index 1", got)
	}
}

func testClear(t *testing.T, h Harness) {
	s := open(t, h)
	ctx := context.Background()

	mutated, err := s.Clear(ctx)
	if err != nil || mutated {
		t.Errorf("Expected clearing an empty store to be a no-op, got %v (%v)", mutated, err)
	}
	for i := 0; i < 10; i++ {
		mustSet(t, s, fmt.Sprintf("key-%d", i), "value")
	}
	mutated, err = s.Clear(ctx)
	if err != nil || !mutated {
		t.Errorf("Expected Clear to mutate, got %v (%v)", mutated, err)
	}
	expectLength(t, s, 0)
}

func testReadOnly(t *testing.T, h Harness) {
	s := open(t, h)
	ctx := context.Background()

	if _, err := s.SetItemReadOnly(ctx, "locked", "1", true); err != nil {
		t.Fatal(err)
	}
	mustSet(t, s, "free", "2")

	if _, err := s.SetItem(ctx, "locked", "x"); !errors.Is(err, storage.ErrReadOnlyViolation) {
		t.Errorf("Expected read-only violation, got %v", err)
	}
	if _, err := s.RemoveItem(ctx, "locked"); !errors.Is(err, storage.ErrReadOnlyViolation) {
		t.Errorf("Expected read-only violation, got %v", err)
	}
	if _, err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	expectValue(t, s, "locked", "1")
	expectMissing(t, s, "free")
}

func testKeys(t *testing.T, h Harness) {
	s := open(t, h)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustSet(t, s, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	seen := 0
	err := s.Keys(ctx, func(index int, key, value string) error {
		if key != fmt.Sprintf("k%d", index) || value != fmt.Sprintf("v%d", index) {
			t.Errorf("Index %d: unexpected pair %s=%s", index, key, value)
		}
		// the callback may use the store
		if _, _, err := s.GetItem(ctx, key); err != nil {
			return err
		}
		seen++
		return nil
	})
	if err != nil || seen != 5 {
		t.Errorf("Expected 5 pairs, got %d (%v)", seen, err)
	}

	stop := errors.New("stop")
	if err := s.Keys(ctx, func(int, string, string) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("Expected the callback error, got %v", err)
	}
}

func testPersistence(t *testing.T, h Harness) {
	ctx := context.Background()
	pairs := map[string]string{
		"ascii":       "value",
		"unicode-ключ": "значение",
		"鍵":           "値 🚀",
		"empty":       "",
	}

	s := h.Open(t)
	for k, v := range pairs {
		mustSet(t, s, k, v)
	}
	if _, err := s.SetItemReadOnly(ctx, "ro", "fixed", true); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	_ = s.Close()
	h.Restart(t)

	s = open(t, h)
	expectLength(t, s, len(pairs)+1)
	for k, v := range pairs {
		expectValue(t, s, k, v)
	}
	if _, err := s.SetItem(ctx, "ro", "x"); !errors.Is(err, storage.ErrReadOnlyViolation) {
		t.Errorf("Expected the read-only flag to survive a restart, got %v", err)
	}
}

func testClearPersists(t *testing.T, h Harness) {
	ctx := context.Background()

	s := h.Open(t)
	mustSet(t, s, "k", "v")
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	h.Restart(t)

	s = open(t, h)
	expectLength(t, s, 0)
}

func testCancelled(t *testing.T, h Harness) {
	s := open(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.SetItem(ctx, "k", "v"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if err := s.Keys(ctx, func(int, string, string) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	expectMissing(t, s, "k")
}

func testConcurrentStores(t *testing.T, h Harness) {
	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		s := open(t, h)
		go func(w int, s storage.IStore) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := s.SetItem(context.Background(), fmt.Sprintf("w%d-%d", w, i), "v"); err != nil {
					t.Errorf("Worker %d: SetItem failed: %v", w, err)
					return
				}
			}
		}(w, s)
	}
	wg.Wait()

	expectLength(t, open(t, h), workers*perWorker)
}
