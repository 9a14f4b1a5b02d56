package persist

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/persist/codec"
)

var testIdentity = storage.Identity{Origin: "https://example.com", Type: storage.TypeLocal}

func testRecords() []Record {
	return []Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("schlüssel"), Value: []byte("wert ✓"), ReadOnly: true},
		{Key: []byte("z"), Value: []byte{}},
	}
}

// runStoreTests checks the common contract of every Store implementation
func runStoreTests(t *testing.T, s Store) {
	ctx := context.Background()
	path := s.Path(testIdentity)

	t.Run("Missing", func(t *testing.T) {
		records, err := s.Load(ctx, s.Path(storage.Identity{Origin: "never-written", Type: storage.TypeLocal}))
		if err != nil || records != nil {
			t.Errorf("Expected (nil, nil) for a missing table, got %v, %v", records, err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		want := testRecords()
		if err := s.Save(ctx, path, want); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx, path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("Expected %d records, got %d", len(want), len(got))
		}
		for i := range want {
			if !bytes.Equal(got[i].Key, want[i].Key) || !bytes.Equal(got[i].Value, want[i].Value) || got[i].ReadOnly != want[i].ReadOnly {
				t.Errorf("Record %d: %+v != %+v", i, got[i], want[i])
			}
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := s.Save(ctx, path, testRecords()[:1]); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, _ := s.Load(ctx, path)
		if len(got) != 1 {
			t.Errorf("Expected the second save to replace the table, got %d records", len(got))
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := s.Remove(ctx, path); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if got, err := s.Load(ctx, path); err != nil || got != nil {
			t.Errorf("Expected nothing after remove, got %v, %v", got, err)
		}
		if err := s.Remove(ctx, path); err != nil {
			t.Errorf("Removing a missing table must not fail: %v", err)
		}
	})

	t.Run("MemoryPath", func(t *testing.T) {
		volatile := s.Path(storage.Identity{Origin: "o", Type: storage.TypeSession, Persistence: storage.PersistenceSession})
		if volatile != MemoryPath {
			t.Fatalf("Expected MemoryPath for a volatile identity, got %s", volatile)
		}
		if err := s.Save(ctx, volatile, testRecords()); err == nil {
			t.Errorf("Saving to MemoryPath must fail")
		}
		if got, err := s.Load(ctx, volatile); err != nil || got != nil {
			t.Errorf("Loading MemoryPath must yield nothing, got %v, %v", got, err)
		}
	})
}

func TestFileStore(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, _ := codec.New(name)
			s, err := NewFileStore(t.TempDir(), c)
			if err != nil {
				t.Fatalf("NewFileStore failed: %v", err)
			}
			defer s.Close()
			runStoreTests(t, s)
		})
	}
}

func TestFileStoreCorrupted(t *testing.T) {
	s, _ := NewFileStore(t.TempDir(), codec.NewBinaryCodec())
	path := s.Path(testIdentity)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load(context.Background(), path)
	if !errors.Is(err, storage.ErrCorruptedFile) {
		t.Errorf("Expected corrupted file error, got %v", err)
	}
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	runStoreTests(t, s)

	if s.Saves() != 2 || s.Removes() != 2 {
		t.Errorf("Expected 2 saves and 2 removes, got %d and %d", s.Saves(), s.Removes())
	}

	s.Put("broken", []byte("garbage"))
	if _, err := s.Load(context.Background(), "broken"); !errors.Is(err, storage.ErrCorruptedFile) {
		t.Errorf("Expected corrupted file error, got %v", err)
	}
}
