package persist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/persist/codec"
	"github.com/ValentinKolb/wstore/lib/storage/util"
	"go.etcd.io/bbolt"
	"os"
	"path/filepath"
	"time"
)

// boltFile is the name of the database file inside the data directory
const boltFile = "wstore.db"

// BoltStore keeps all tables in one bbolt database. Every table is a bucket
// whose keys are the big endian insertion index of the records.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database below dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	db, err := bbolt.Open(filepath.Join(dir, boltFile), 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see persist.Store)
// --------------------------------------------------------------------------

func (s *BoltStore) Path(id storage.Identity) string {
	if id.Persistence.Volatile() {
		return MemoryPath
	}
	return string(id.Type) + "/" + util.FileName(id.Origin, id.Context, "")
}

func (s *BoltStore) Load(_ context.Context, path string) ([]Record, error) {
	if path == MemoryPath {
		return nil, nil
	}
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			r, err := codec.UnmarshalRecord(v)
			if err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, codec.ErrMalformed) {
			return nil, storage.Errorf(storage.RetCCorruptedFile, "bucket %s: %v", path, err)
		}
		return nil, fmt.Errorf("failed to load bucket %s: %w", path, err)
	}
	log.Debugf("loaded %d records from bucket %s", len(records), path)
	return records, nil
}

func (s *BoltStore) Save(_ context.Context, path string, records []Record) error {
	if err := checkPath(path); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(path)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to drop bucket %s: %w", path, err)
		}
		b, err := tx.CreateBucket([]byte(path))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", path, err)
		}
		var key [8]byte
		for i, r := range records {
			binary.BigEndian.PutUint64(key[:], uint64(i))
			if err := b.Put(key[:], codec.MarshalRecord(r)); err != nil {
				return fmt.Errorf("failed to put record %d into %s: %w", i, path, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Remove(_ context.Context, path string) error {
	if err := checkPath(path); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(path)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to drop bucket %s: %w", path, err)
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
