package op

// --------------------------------------------------------------------------
// Operation kinds
// --------------------------------------------------------------------------

// Kind identifies the action an Operation performs.
type Kind uint8

const (
	KindGetCount           Kind = iota // number of stored pairs
	KindGetKeyByIndex                  // key at an insertion-order index
	KindGetItem                        // value for a key
	KindSetItem                        // store or remove (absent value) a pair
	KindSetItemReadOnly                // store a pair and set its read-only flag
	KindClear                          // remove every pair that is not read-only
	KindClearReadOnlyAware             // internal clear-all, drops read-only pairs too and skips loading
	KindEnumerate                      // walk all pairs in index order
	KindFlushToDisk                    // write pending modifications
)

func (k Kind) String() string {
	switch k {
	case KindGetCount:
		return "GetCount"
	case KindGetKeyByIndex:
		return "GetKeyByIndex"
	case KindGetItem:
		return "GetItem"
	case KindSetItem:
		return "SetItem"
	case KindSetItemReadOnly:
		return "SetItemReadOnly"
	case KindClear:
		return "Clear"
	case KindClearReadOnlyAware:
		return "ClearReadOnlyAware"
	case KindEnumerate:
		return "Enumerate"
	case KindFlushToDisk:
		return "FlushToDisk"
	default:
		return "Unknown"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k <= KindFlushToDisk
}

// RequiresInit reports whether the backend has to be loaded before an
// operation of this kind may execute.
func (k Kind) RequiresInit() bool {
	return k != KindFlushToDisk && k != KindClearReadOnlyAware
}

// Mutating reports whether the kind may change the table.
func (k Kind) Mutating() bool {
	switch k {
	case KindSetItem, KindSetItemReadOnly, KindClear, KindClearReadOnlyAware:
		return true
	default:
		return false
	}
}
