package op

import (
	"github.com/ValentinKolb/wstore/lib/storage/table"
	"time"
)

// --------------------------------------------------------------------------
// Operation phases (quota state machine of a single operation)
// --------------------------------------------------------------------------

// Phase tracks how far an operation got. Only writes that overflow the quota
// ever leave PhaseNotStarted before they are done.
type Phase uint8

const (
	PhaseNotStarted    Phase = iota // never executed or executed without yielding on the quota
	PhaseAwaitingQuota              // waiting for the quota listener to reply
	PhaseResumed                    // the listener replied, the operation is re-run from the top
	PhaseDone                       // terminated
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NotStarted"
	case PhaseAwaitingQuota:
		return "AwaitingQuota"
	case PhaseResumed:
		return "Resumed"
	case PhaseDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Operation
// --------------------------------------------------------------------------

// Flags modify how an operation behaves.
type Flags struct {
	SyncFlush        bool // FlushToDisk: write on the calling loop instead of in the background
	FailIfQuotaError bool // SetItem: never ask the quota listener, fail right away
	SetReadOnlyTo    bool // SetItemReadOnly: the read-only flag to store
}

// Operation is one requested action. It is terminated exactly once, either by
// Terminate or (only for debugging) by being dropped by a cancel-all.
type Operation struct {
	Kind  Kind
	Key   table.Value
	Value table.Value
	Index int
	Flags Flags

	// Internal is set for operations the backend queued itself (delayed flush).
	Internal bool
	// Enqueued is the time the operation was added to a queue.
	Enqueued time.Time
	// Token is free for the executor, e.g. to remember which write a
	// flush is waiting for.
	Token uint64

	callback   Callback
	enumerator Enumerator
	phase      Phase
	result     Result
}

func newOp(kind Kind, cb Callback) *Operation {
	return &Operation{Kind: kind, callback: cb, result: Result{Kind: kind}}
}

// NewGetCount creates an operation returning the number of pairs.
func NewGetCount(cb Callback) *Operation {
	return newOp(KindGetCount, cb)
}

// NewGetKeyByIndex creates an operation returning the key at index.
func NewGetKeyByIndex(index int, cb Callback) *Operation {
	o := newOp(KindGetKeyByIndex, cb)
	o.Index = index
	return o
}

// NewGetItem creates an operation returning the value for key.
func NewGetItem(key table.Value, cb Callback) *Operation {
	o := newOp(KindGetItem, cb)
	o.Key = key
	return o
}

// NewSetItem creates an operation storing value under key. An absent value
// removes the key. The operation takes ownership of key and value.
func NewSetItem(key, value table.Value, failIfQuotaError bool, cb Callback) *Operation {
	o := newOp(KindSetItem, cb)
	o.Key = key
	o.Value = value
	o.Flags.FailIfQuotaError = failIfQuotaError
	return o
}

// NewSetItemReadOnly creates an operation storing value under key and setting
// the read-only flag of the pair to readOnly.
func NewSetItemReadOnly(key, value table.Value, readOnly, failIfQuotaError bool, cb Callback) *Operation {
	o := NewSetItem(key, value, failIfQuotaError, cb)
	o.Kind = KindSetItemReadOnly
	o.result.Kind = KindSetItemReadOnly
	o.Flags.SetReadOnlyTo = readOnly
	return o
}

// NewClear creates an operation removing all pairs that are not read-only.
func NewClear(cb Callback) *Operation {
	return newOp(KindClear, cb)
}

// NewClearAll creates the internal clear-all operation. It drops read-only
// pairs too and does not wait for the backend to be loaded.
func NewClearAll(cb Callback) *Operation {
	return newOp(KindClearReadOnlyAware, cb)
}

// NewEnumerate creates an operation walking all pairs.
func NewEnumerate(e Enumerator) *Operation {
	o := newOp(KindEnumerate, nil)
	o.enumerator = e
	return o
}

// NewFlush creates an operation writing pending modifications to disk.
func NewFlush(sync bool, cb Callback) *Operation {
	o := newOp(KindFlushToDisk, cb)
	o.Flags.SyncFlush = sync
	return o
}

// Enumerator returns the enumerator of a KindEnumerate operation.
func (o *Operation) Enumerator() Enumerator {
	return o.enumerator
}

// Phase returns the current phase of the operation.
func (o *Operation) Phase() Phase {
	return o.phase
}

// SetPhase moves the operation into a new phase. Terminated operations stay done.
func (o *Operation) SetPhase(p Phase) {
	if o.phase == PhaseDone {
		return
	}
	o.phase = p
}

// Result gives access to the result slot that is filled while executing.
func (o *Operation) Result() *Result {
	return &o.result
}

// Terminated reports whether Terminate was already called.
func (o *Operation) Terminated() bool {
	return o.phase == PhaseDone
}

// Terminate finishes the operation with err (nil for success) and invokes the
// completion. It returns false, and does nothing, if the operation was
// already terminated.
func (o *Operation) Terminate(err error) bool {
	if o.phase == PhaseDone {
		return false
	}
	o.phase = PhaseDone
	o.result.Err = err

	if o.enumerator != nil {
		if err != nil {
			o.enumerator.HandleError(err)
		} else {
			o.enumerator.Discard()
		}
		o.enumerator = nil
		return true
	}
	if o.callback != nil {
		cb := o.callback
		o.callback = nil
		cb(o.result)
	}
	return true
}
