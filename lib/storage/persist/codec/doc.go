// Package codec provides the file formats used to persist a Web Storage table.
// It defines a common interface and multiple implementations for encoding the
// ordered records of a table into the bytes of its backing file.
//
// Key Components:
//
//   - ICodec: Core interface that all codec implementations must satisfy.
//
//   - binaryCodecImpl: Custom binary format (magic number, version, record count,
//     length-prefixed records). Smallest and fastest, the default.
//
//   - jsonCodecImpl: JSON document, useful for debugging and inspecting files.
//
//   - gobCodecImpl: Go's gob encoding.
//
//   - cborCodecImpl: canonical CBOR via github.com/fxamacker/cbor/v2.
//
// Decoding invalid input returns an error wrapping ErrMalformed; the persistence
// layer maps it to storage.ErrCorruptedFile. Lengths beyond the allocation limit
// are reported as storage.ErrOutOfMemory so that loads can be retried.
//
// Thread Safety:
//
//	All codec implementations are stateless and safe for concurrent use.
package codec
