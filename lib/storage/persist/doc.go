// Package persist implements the loader/saver collaborator of the Web Storage
// engine. The engine decides when a table is loaded or written; this package
// decides how and where.
//
// Implementations:
//
//   - FileStore: one file per table below a data directory, encoded with a
//     codec.ICodec. Writes are atomic (temporary file + rename) and guarded by
//     an advisory lock (github.com/gofrs/flock) on "<file>.lock".
//   - BoltStore: all tables in a single bbolt database (go.etcd.io/bbolt),
//     one bucket per table.
//   - MemoryStore: encoded tables in a map, for tests and embedding.
//
// Volatile identities map to MemoryPath. Saving to MemoryPath is refused;
// loading from it always yields an empty table.
//
// A missing table is not an error. Undecodable content is reported as
// storage.ErrCorruptedFile and allocation failures as storage.ErrOutOfMemory.
package persist
