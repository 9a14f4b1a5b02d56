package persist

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/persist/codec"
	"github.com/ValentinKolb/wstore/lib/storage/util"
	"github.com/gofrs/flock"
	"github.com/lni/dragonboat/v4/logger"
	"os"
	"path/filepath"
)

var log = logger.GetLogger("persist")

// fileExt is the extension of all table files
const fileExt = ".wst"

// FileStore keeps every table in its own file below a directory. Writes go to
// a temporary file that is renamed over the target, guarded by an advisory
// lock on "<file>.lock" so that two processes never write the same table.
type FileStore struct {
	dir   string
	codec codec.ICodec
}

// NewFileStore creates a store below dir using the given codec.
func NewFileStore(dir string, c codec.ICodec) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, codec: c}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see persist.Store)
// --------------------------------------------------------------------------

func (s *FileStore) Path(id storage.Identity) string {
	if id.Persistence.Volatile() {
		return MemoryPath
	}
	return filepath.Join(s.dir, string(id.Type), util.FileName(id.Origin, id.Context, fileExt))
}

func (s *FileStore) Load(_ context.Context, path string) ([]Record, error) {
	if path == MemoryPath {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	records, err := decode(s.codec, path, data)
	if err != nil {
		return nil, err
	}
	log.Debugf("loaded %d records from %s", len(records), path)
	return records, nil
}

func (s *FileStore) Save(_ context.Context, path string, records []Record) error {
	if err := checkPath(path); err != nil {
		return err
	}
	data, err := s.codec.Encode(records)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	return withLock(path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
		if err != nil {
			return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
		}
		defer func() {
			_ = os.Remove(tmp.Name())
		}()

		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to sync %s: %w", path, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", path, err)
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			return fmt.Errorf("failed to replace %s: %w", path, err)
		}
		log.Debugf("saved %d records (%d bytes) to %s", len(records), len(data), path)
		return nil
	})
}

func (s *FileStore) Remove(_ context.Context, path string) error {
	if err := checkPath(path); err != nil {
		return err
	}
	return withLock(path, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		log.Debugf("removed %s", path)
		return nil
	})
}

func (s *FileStore) Close() error {
	return nil
}

// withLock runs fn while holding an exclusive lock on "<path>.lock".
func withLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return fn()
}
