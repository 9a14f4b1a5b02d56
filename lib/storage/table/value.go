package table

import (
	"bytes"
	"unicode/utf8"
)

// --------------------------------------------------------------------------
// Value (immutable byte sequence used for keys and values)
// --------------------------------------------------------------------------

// Value is an immutable-once-set byte sequence. The zero Value is absent
// (no key / no value), which is different from an empty but present Value.
type Value struct {
	data []byte
	ok   bool
}

// None is the absent Value.
var None = Value{}

// NewValue wraps b without copying. The caller hands over ownership of b and
// must not modify it afterwards.
func NewValue(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{data: b, ok: true}
}

// StringValue creates a present Value from a string.
func StringValue(s string) Value {
	return NewValue([]byte(s))
}

// Valid reports whether the value is present.
func (v Value) Valid() bool {
	return v.ok
}

// Len returns the length in bytes.
func (v Value) Len() int {
	return len(v.data)
}

// Bytes returns the underlying bytes. The slice must not be modified.
func (v Value) Bytes() []byte {
	return v.data
}

// Clone returns a Value with its own copy of the data.
func (v Value) Clone() Value {
	if !v.ok {
		return None
	}
	c := make([]byte, len(v.data))
	copy(c, v.data)
	return Value{data: c, ok: true}
}

// Equal compares two values byte-wise. Two absent values are equal.
func (v Value) Equal(o Value) bool {
	if v.ok != o.ok {
		return false
	}
	return bytes.Equal(v.data, o.data)
}

func (v Value) String() string {
	if !v.ok {
		return "<none>"
	}
	if utf8.Valid(v.data) {
		return string(v.data)
	}
	return "<binary>"
}

// --------------------------------------------------------------------------
// Entry (key-value pair with the read-only flag)
// --------------------------------------------------------------------------

// Entry is a stored pair. Its identity is the key.
type Entry struct {
	Key      Value
	Value    Value
	ReadOnly bool
}
