package persist

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/persist/codec"
)

// MemoryPath is the path of backends that must never be written to disk.
const MemoryPath = ":memory:"

// Record is re-exported so callers do not need to import the codec package.
type Record = codec.Record

// Loader reads the records of one table.
type Loader interface {
	// Load returns the records stored under path in order. A missing file is
	// not an error: (nil, nil) is returned. Corrupted files are reported with
	// storage.ErrCorruptedFile, allocation failures with storage.ErrOutOfMemory.
	Load(ctx context.Context, path string) ([]Record, error)
}

// Saver writes the records of one table.
type Saver interface {
	// Save replaces the content stored under path with records.
	Save(ctx context.Context, path string, records []Record) error
	// Remove deletes whatever is stored under path. Removing a missing path is not an error.
	Remove(ctx context.Context, path string) error
}

// Store is a Loader and Saver that knows where each identity is stored.
type Store interface {
	Loader
	Saver
	// Path returns the location of the table of id, MemoryPath for volatile identities.
	Path(id storage.Identity) string
	// Close releases all resources of the store.
	Close() error
}

// checkPath rejects writes to the in-memory sentinel.
func checkPath(path string) error {
	if path == MemoryPath || path == "" {
		return storage.Errorf(storage.RetCInvalidOperation, "refusing to write to in-memory path %q", path)
	}
	return nil
}

// decode runs the codec and maps its errors onto storage error codes.
func decode(c codec.ICodec, path string, data []byte) ([]Record, error) {
	records, err := c.Decode(data)
	if err == nil {
		return records, nil
	}
	if errors.Is(err, storage.ErrOutOfMemory) {
		return nil, err
	}
	if errors.Is(err, codec.ErrMalformed) {
		return nil, storage.Errorf(storage.RetCCorruptedFile, "%s: %v", path, err)
	}
	return nil, fmt.Errorf("failed to decode %s: %w", path, err)
}
