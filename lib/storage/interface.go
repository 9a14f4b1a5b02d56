package storage

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// StorageType distinguishes localStorage-like from sessionStorage-like tables.
type StorageType string

const (
	TypeLocal   StorageType = "local"
	TypeSession StorageType = "session"
)

// Persistence describes where a backend keeps its data between runs.
type Persistence uint8

const (
	PersistenceDisk    Persistence = iota // data is flushed to the data dir
	PersistenceSession                    // data lives as long as the browsing session (memory only)
	PersistenceMemory                     // data is never written, even if the type is local
)

func (p Persistence) String() string {
	switch p {
	case PersistenceDisk:
		return "disk"
	case PersistenceSession:
		return "session"
	case PersistenceMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Volatile reports whether a backend with this persistence never touches the disk.
func (p Persistence) Volatile() bool {
	return p != PersistenceDisk
}

// Identity is the tuple a backend is created for. Two accesses with an equal
// identity share the same backend.
type Identity struct {
	Origin      string
	Type        StorageType
	Persistence Persistence
	Context     uint64 // browsing context / profile id
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%s(%s,ctx=%d)", id.Type, id.Origin, id.Persistence, id.Context)
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the blocking interface for interacting with one origin's storage
// table. Every call is executed in order by the backend behind the store.
// All write operations return only an error (nil on success),
// while read operations return the requested data along with an error.
type IStore interface {
	// Length returns the number of stored pairs.
	Length(ctx context.Context) (n int, err error)
	// Key returns the key at the given insertion-order index.
	Key(ctx context.Context, index int) (key string, ok bool, err error)
	// GetItem returns the value for a key. The boolean indicates whether the key was found.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	// SetItem stores a value and reports whether the table changed.
	SetItem(ctx context.Context, key, value string) (mutated bool, err error)
	// SetItemReadOnly stores a value and marks the pair as read-only (or writable again).
	SetItemReadOnly(ctx context.Context, key, value string, readOnly bool) (mutated bool, err error)
	// RemoveItem removes a key and reports whether it existed.
	RemoveItem(ctx context.Context, key string) (mutated bool, err error)
	// Clear removes every pair that is not read-only.
	Clear(ctx context.Context) (mutated bool, err error)
	// Keys calls fn for every pair in insertion order.
	Keys(ctx context.Context, fn func(index int, key, value string) error) (err error)
	// Flush writes pending modifications to disk.
	Flush(ctx context.Context) (err error)
	// Close releases the reference this store holds on its backend.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StorageError (code %s): %s", e.Code, e.Msg)
}

// Is makes errors.Is match any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new storage Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new storage Error with a formatted message.
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the RetCode carried by err, RetCSuccess for nil and
// RetCInternalError for foreign errors.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// Sentinels for errors.Is checks, the message is irrelevant for matching.
var (
	ErrOutOfMemory       = NewError(RetCOutOfMemory, "out of memory")
	ErrCorruptedFile     = NewError(RetCCorruptedFile, "corrupted file")
	ErrQuotaExceeded     = NewError(RetCQuotaExceeded, "quota exceeded")
	ErrReadOnlyViolation = NewError(RetCReadOnlyViolation, "read-only violation")
	ErrDuplicateKey      = NewError(RetCDuplicateKey, "duplicate key")
	ErrShutdown          = NewError(RetCShutdown, "backend is shutting down")
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess           RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                    // 1: Operation failed due to an internal error.
	RetCOutOfMemory                      // 2: Allocation failed (retried for loads).
	RetCCorruptedFile                    // 3: The backing file could not be parsed.
	RetCQuotaExceeded                    // 4: The write does not fit into the available quota.
	RetCReadOnlyViolation                // 5: The write touches a read-only pair.
	RetCDuplicateKey                     // 6: The key is already present in the table.
	RetCShutdown                         // 7: The backend is being deleted.
	RetCInvalidOperation                 // 8: Invalid operation.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCOutOfMemory:
		return "OutOfMemory"
	case RetCCorruptedFile:
		return "CorruptedFile"
	case RetCQuotaExceeded:
		return "QuotaExceeded"
	case RetCReadOnlyViolation:
		return "ReadOnlyViolation"
	case RetCDuplicateKey:
		return "DuplicateKey"
	case RetCShutdown:
		return "Shutdown"
	case RetCInvalidOperation:
		return "InvalidOperation"
	default:
		return "Unknown"
	}
}
