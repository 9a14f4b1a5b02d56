package codec

import (
	"fmt"
)

// Record is one stored pair as written to disk.
type Record struct {
	Key      []byte `json:"key" cbor:"1,keyasint"`
	Value    []byte `json:"value" cbor:"2,keyasint"`
	ReadOnly bool   `json:"read_only,omitempty" cbor:"3,keyasint,omitempty"`
}

// ICodec is the interface for all file codecs. A codec turns the ordered
// records of one table into the bytes of its backing file and back.
type ICodec interface {
	// Name returns the name the codec is selected by (binary, json, gob, cbor).
	Name() string
	// Encode serializes the records in order.
	Encode(records []Record) ([]byte, error)
	// Decode parses a file. Malformed input must be reported with an error
	// wrapping ErrMalformed, oversized input with one wrapping storage.ErrOutOfMemory.
	Decode(b []byte) ([]Record, error)
}

// ErrMalformed is wrapped by all decode errors caused by invalid input.
var ErrMalformed = fmt.Errorf("malformed storage file")

// fileVersion is written by every codec, files with another version are rejected.
const fileVersion = 1

// New returns the codec with the given name.
func New(name string) (ICodec, error) {
	switch name {
	case "binary", "":
		return NewBinaryCodec(), nil
	case "json":
		return NewJSONCodec(), nil
	case "gob":
		return NewGOBCodec(), nil
	case "cbor":
		return NewCBORCodec(), nil
	default:
		return nil, fmt.Errorf("invalid codec %s (expected binary, json, gob or cbor)", name)
	}
}

// envelope is the document written by the generic codecs.
type envelope struct {
	Version int      `json:"version" cbor:"1,keyasint"`
	Items   []Record `json:"items" cbor:"2,keyasint"`
}

// open checks the version of a decoded envelope.
func (e envelope) open() ([]Record, error) {
	if e.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d (expected %d)", ErrMalformed, e.Version, fileVersion)
	}
	return e.Items, nil
}
