package op

import (
	"github.com/ValentinKolb/wstore/lib/storage/table"
)

// --------------------------------------------------------------------------
// Result
// --------------------------------------------------------------------------

// Result is handed to the completion of an Operation. Which fields are set
// depends on Kind:
//
//   - KindGetCount: Count
//   - KindGetKeyByIndex, KindGetItem: Value (absent if not found)
//   - KindSetItem, KindSetItemReadOnly: Value (the previous value) and Mutated
//   - KindClear, KindClearReadOnlyAware: Mutated
//
// Err is set if the operation failed, all other fields are then undefined.
type Result struct {
	Kind    Kind
	Count   int
	Value   table.Value
	Mutated bool
	Err     error
}

// --------------------------------------------------------------------------
// Outcome (Done / Failed / Pending)
// --------------------------------------------------------------------------

// Status is the three-way outcome of executing an operation once.
type Status uint8

const (
	StatusDone    Status = iota // the operation completed, its result is populated
	StatusFailed                // the operation failed with Err
	StatusPending               // the operation yielded and must be executed again later
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "Done"
	case StatusFailed:
		return "Failed"
	case StatusPending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// Outcome is returned by a single execution step of an operation.
// Pending is a control signal and never reaches a completion.
type Outcome struct {
	Status Status
	Err    error
}

// Done reports a successful execution.
func Done() Outcome {
	return Outcome{Status: StatusDone}
}

// Failed reports a failed execution.
func Failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// Pending reports that the operation yielded.
func Pending() Outcome {
	return Outcome{Status: StatusPending}
}

// --------------------------------------------------------------------------
// Completions
// --------------------------------------------------------------------------

// Callback receives the result of a finished operation.
type Callback func(Result)

// Enumerator receives the pairs of an KindEnumerate operation. Exactly one of
// HandleError (on failure) and Discard (on success) is called at the end.
type Enumerator interface {
	// WantsValues reports whether HandleKey should receive values.
	WantsValues() bool
	// HandleKey is called for every pair in index order. value is absent if
	// WantsValues returned false. A returned error aborts the enumeration.
	HandleKey(index int, key, value table.Value) error
	// HandleError is called once if the enumeration failed.
	HandleError(err error)
	// Discard is called once if the enumeration finished without error.
	Discard()
}

// EnumeratorFunc adapts a function to the Enumerator interface. It always
// wants values and ignores the end signals.
type EnumeratorFunc func(index int, key, value table.Value) error

func (f EnumeratorFunc) WantsValues() bool { return true }

func (f EnumeratorFunc) HandleKey(index int, key, value table.Value) error {
	return f(index, key, value)
}

func (f EnumeratorFunc) HandleError(error) {}

func (f EnumeratorFunc) Discard() {}
