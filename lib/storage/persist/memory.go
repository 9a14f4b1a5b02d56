package persist

import (
	"context"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/persist/codec"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps encoded tables in a map. It behaves like a FileStore
// without touching the file system, which makes it useful for embedding the
// engine in tests.
type MemoryStore struct {
	mu    sync.Mutex
	codec codec.ICodec
	files map[string][]byte

	saves   atomic.Int64
	removes atomic.Int64
}

// NewMemoryStore creates an empty store using the binary codec.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codec: codec.NewBinaryCodec(),
		files: make(map[string][]byte),
	}
}

// Saves returns the number of successful Save calls.
func (s *MemoryStore) Saves() int64 {
	return s.saves.Load()
}

// Removes returns the number of Remove calls.
func (s *MemoryStore) Removes() int64 {
	return s.removes.Load()
}

// Exists reports whether something is stored under path.
func (s *MemoryStore) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok
}

// Put stores raw file content under path, e.g. to simulate a corrupted file.
func (s *MemoryStore) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

// --------------------------------------------------------------------------
// Interface Methods (docu see persist.Store)
// --------------------------------------------------------------------------

func (s *MemoryStore) Path(id storage.Identity) string {
	if id.Persistence.Volatile() {
		return MemoryPath
	}
	return id.String()
}

func (s *MemoryStore) Load(_ context.Context, path string) ([]Record, error) {
	s.mu.Lock()
	data, ok := s.files[path]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decode(s.codec, path, data)
}

func (s *MemoryStore) Save(_ context.Context, path string, records []Record) error {
	if err := checkPath(path); err != nil {
		return err
	}
	data, err := s.codec.Encode(records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.files[path] = data
	s.mu.Unlock()
	s.saves.Add(1)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, path string) error {
	if err := checkPath(path); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.files, path)
	s.mu.Unlock()
	s.removes.Add(1)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
