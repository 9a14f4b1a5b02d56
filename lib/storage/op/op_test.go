package op

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/wstore/lib/storage/table"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()

	// push and pop interleaved so the ring buffer wraps and grows
	next := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 7; i++ {
			q.Push(NewGetKeyByIndex(next, nil))
			next++
		}
		for i := 0; i < 3; i++ {
			q.Pop()
		}
	}

	expected := 15
	if q.Len() != next-expected {
		t.Fatalf("Expected %d queued operations, got %d", next-expected, q.Len())
	}
	if head := q.Peek(); head == nil || head.Index != expected {
		t.Fatalf("Expected head index %d, got %v", expected, head)
	}
	for i, o := range q.Drain() {
		if o.Index != expected+i {
			t.Errorf("Expected index %d at position %d, got %d", expected+i, i, o.Index)
		}
	}
	if !q.Empty() || q.Pop() != nil || q.Peek() != nil {
		t.Errorf("Queue should be empty after Drain")
	}
}

func TestTerminateExactlyOnce(t *testing.T) {
	calls := 0
	var got Result
	o := NewGetItem(table.StringValue("k"), func(r Result) {
		calls++
		got = r
	})
	o.Result().Value = table.StringValue("v")

	if !o.Terminate(nil) {
		t.Fatalf("First Terminate should succeed")
	}
	if o.Terminate(errors.New("late")) {
		t.Errorf("Second Terminate should be ignored")
	}
	if calls != 1 {
		t.Errorf("Expected one completion, got %d", calls)
	}
	if got.Err != nil || got.Value.String() != "v" || got.Kind != KindGetItem {
		t.Errorf("Unexpected result %+v", got)
	}
	if o.Phase() != PhaseDone {
		t.Errorf("Expected PhaseDone, got %s", o.Phase())
	}
	o.SetPhase(PhaseResumed)
	if o.Phase() != PhaseDone {
		t.Errorf("Terminated operation left PhaseDone")
	}
}

type recordingEnumerator struct {
	keys      []string
	errs      []error
	discarded int
}

func (r *recordingEnumerator) WantsValues() bool { return false }
func (r *recordingEnumerator) HandleKey(_ int, key, _ table.Value) error {
	r.keys = append(r.keys, key.String())
	return nil
}
func (r *recordingEnumerator) HandleError(err error) { r.errs = append(r.errs, err) }
func (r *recordingEnumerator) Discard()              { r.discarded++ }

func TestEnumeratorEndSignals(t *testing.T) {
	ok := &recordingEnumerator{}
	NewEnumerate(ok).Terminate(nil)
	if ok.discarded != 1 || len(ok.errs) != 0 {
		t.Errorf("Successful enumeration: discarded=%d errs=%v", ok.discarded, ok.errs)
	}

	failed := &recordingEnumerator{}
	o := NewEnumerate(failed)
	o.Terminate(errors.New("boom"))
	o.Terminate(nil)
	if failed.discarded != 0 || len(failed.errs) != 1 {
		t.Errorf("Failed enumeration: discarded=%d errs=%v", failed.discarded, failed.errs)
	}
}

func TestKindProperties(t *testing.T) {
	for k := KindGetCount; k <= KindFlushToDisk; k++ {
		want := k != KindFlushToDisk && k != KindClearReadOnlyAware
		if k.RequiresInit() != want {
			t.Errorf("%s.RequiresInit() = %v, want %v", k, k.RequiresInit(), want)
		}
		if k.String() == "Unknown" {
			t.Errorf("Kind %d has no name", k)
		}
		if !k.Valid() {
			t.Errorf("%s.Valid() = false", k)
		}
	}
	if (KindFlushToDisk + 1).Valid() {
		t.Errorf("Kind %d must not be valid", KindFlushToDisk+1)
	}
	if !KindSetItem.Mutating() || KindGetItem.Mutating() || KindFlushToDisk.Mutating() {
		t.Errorf("Unexpected Mutating classification")
	}
}

func TestSetItemReadOnlyConstructor(t *testing.T) {
	o := NewSetItemReadOnly(table.StringValue("k"), table.StringValue("v"), true, true, nil)
	if o.Kind != KindSetItemReadOnly || o.Result().Kind != KindSetItemReadOnly {
		t.Errorf("Expected KindSetItemReadOnly, got %s", o.Kind)
	}
	if !o.Flags.SetReadOnlyTo || !o.Flags.FailIfQuotaError {
		t.Errorf("Flags not set: %+v", o.Flags)
	}
	// terminating without a callback must not panic
	o.Terminate(nil)
}
