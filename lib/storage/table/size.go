package table

// --------------------------------------------------------------------------
// Size accounting
// --------------------------------------------------------------------------

// SizeMode selects how the cost of a pair is computed.
type SizeMode uint8

const (
	// SizeSerialized estimates the on-disk cost (base64-like expansion plus markup).
	SizeSerialized SizeMode = iota
	// SizeInMemory counts raw bytes plus a fixed header per value.
	SizeInMemory
)

func (m SizeMode) String() string {
	if m == SizeInMemory {
		return "in-memory"
	}
	return "serialized"
}

// SizeModel holds the constants used to compute pair costs.
type SizeModel struct {
	Mode           SizeMode
	TagOverhead    int64 // per serialized value
	ItemOverhead   int64 // per serialized pair
	HeaderOverhead int64 // per in-memory value
}

const (
	defaultTagOverhead    = 16
	defaultItemOverhead   = 24
	defaultHeaderOverhead = 32
)

// DefaultSizeModel returns the model for persistent (volatile=false) or
// memory-only (volatile=true) backends.
func DefaultSizeModel(volatile bool) SizeModel {
	m := SizeModel{
		Mode:           SizeSerialized,
		TagOverhead:    defaultTagOverhead,
		ItemOverhead:   defaultItemOverhead,
		HeaderOverhead: defaultHeaderOverhead,
	}
	if volatile {
		m.Mode = SizeInMemory
	}
	return m
}

// ValueCost returns the cost of storing a value of n bytes.
func (m SizeModel) ValueCost(n int) int64 {
	if m.Mode == SizeInMemory {
		return int64(n) + m.HeaderOverhead
	}
	return (4*int64(n)+2)/3 + m.TagOverhead
}

// PairCost returns the cost of one key/value pair.
func (m SizeModel) PairCost(key, value Value) int64 {
	cost := m.ValueCost(key.Len()) + m.ValueCost(value.Len())
	if m.Mode == SizeSerialized {
		cost += m.ItemOverhead
	}
	return cost
}
