package table

import (
	"github.com/ValentinKolb/wstore/lib/storage"
	"iter"
)

// --------------------------------------------------------------------------
// Table (hash view + insertion-ordered view)
// --------------------------------------------------------------------------

// Table maps keys to entries and keeps the same entries in insertion order.
// Both views always hold the same set of entries.
//
// Thread-safety: A Table is not thread-safe. It is only ever touched by the
// run loop of the backend that owns it.
type Table struct {
	byKey   map[string]*Entry
	ordered []*Entry

	model SizeModel
	used  int64
	limit int // maximum number of entries (0 = unlimited)
}

// New creates an empty table using the given size model.
func New(model SizeModel) *Table {
	return &Table{
		byKey: make(map[string]*Entry),
		model: model,
	}
}

// WithLimit sets the maximum number of entries the table can hold.
// Adding beyond it fails with storage.ErrOutOfMemory.
func (t *Table) WithLimit(n int) *Table {
	t.limit = n
	return t
}

// Model returns the size model of the table.
func (t *Table) Model() SizeModel {
	return t.model
}

// Add inserts a new entry. The table takes ownership of e.
func (t *Table) Add(e *Entry) error {
	if !e.Key.Valid() {
		return storage.NewError(storage.RetCInvalidOperation, "cannot add an entry without key")
	}
	k := string(e.Key.Bytes())
	if _, ok := t.byKey[k]; ok {
		return storage.Errorf(storage.RetCDuplicateKey, "key %q already exists", k)
	}

	t.byKey[k] = e
	if err := t.appendOrdered(e); err != nil {
		// roll back the hash view so both views stay in lock-step
		delete(t.byKey, k)
		return err
	}
	t.used += t.model.PairCost(e.Key, e.Value)
	return nil
}

// appendOrdered adds e to the ordered view.
func (t *Table) appendOrdered(e *Entry) error {
	if t.limit > 0 && len(t.ordered) >= t.limit {
		return storage.Errorf(storage.RetCOutOfMemory, "table is limited to %d entries", t.limit)
	}
	t.ordered = append(t.ordered, e)
	return nil
}

// Get returns the entry for key or nil.
func (t *Table) Get(key Value) *Entry {
	return t.byKey[string(key.Bytes())]
}

// GetByIndex returns the entry at insertion-order index i or nil.
func (t *Table) GetByIndex(i int) *Entry {
	if i < 0 || i >= len(t.ordered) {
		return nil
	}
	return t.ordered[i]
}

// SetValue replaces the value of an existing entry in place and returns the
// previous value.
func (t *Table) SetValue(e *Entry, value Value, readOnly bool) Value {
	old := e.Value
	t.used += t.model.PairCost(e.Key, value) - t.model.PairCost(e.Key, old)
	e.Value = value
	e.ReadOnly = readOnly
	return old
}

// Remove deletes the entry for key and returns it (nil if it did not exist).
func (t *Table) Remove(key Value) *Entry {
	k := string(key.Bytes())
	e, ok := t.byKey[k]
	if !ok {
		return nil
	}
	for i, o := range t.ordered {
		if o == e {
			copy(t.ordered[i:], t.ordered[i+1:])
			t.ordered[len(t.ordered)-1] = nil
			t.ordered = t.ordered[:len(t.ordered)-1]
			break
		}
	}
	delete(t.byKey, k)
	t.used -= t.model.PairCost(e.Key, e.Value)
	return e
}

// RemoveIf deletes every entry for which remove returns true and returns the
// number of removed entries. The used size is recomputed from what remains.
func (t *Table) RemoveIf(remove func(*Entry) bool) int {
	kept := t.ordered[:0]
	removed := 0
	for _, e := range t.ordered {
		if remove(e) {
			delete(t.byKey, string(e.Key.Bytes()))
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(t.ordered); i++ {
		t.ordered[i] = nil
	}
	t.ordered = kept
	t.recompute()
	return removed
}

// Clear removes all entries.
func (t *Table) Clear() {
	t.byKey = make(map[string]*Entry)
	t.ordered = nil
	t.used = 0
}

// Count returns the number of entries.
func (t *Table) Count() int {
	return len(t.ordered)
}

// HashCount returns the number of entries in the hash view.
// It only differs from Count if the table is broken.
func (t *Table) HashCount() int {
	return len(t.byKey)
}

// Used returns the size of all pairs according to the table's size model.
func (t *Table) Used() int64 {
	return t.used
}

// recompute sums the cost of all remaining entries.
func (t *Table) recompute() {
	t.used = 0
	for _, e := range t.ordered {
		t.used += t.model.PairCost(e.Key, e.Value)
	}
}

// All iterates over the entries in insertion order.
func (t *Table) All() iter.Seq2[int, *Entry] {
	return func(yield func(int, *Entry) bool) {
		for i, e := range t.ordered {
			if !yield(i, e) {
				return
			}
		}
	}
}

// Snapshot returns a copy of the ordered view. The values are shared since
// they are never modified in place.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, len(t.ordered))
	for i, e := range t.ordered {
		out[i] = *e
	}
	return out
}
