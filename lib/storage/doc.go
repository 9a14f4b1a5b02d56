// Package storage defines the public surface of the wstore Web Storage engine:
// the Identity a backend is scoped to, the blocking IStore interface and the
// coded Error type every layer reports failures with.
//
// The engine itself is split into the following packages:
//
//   - table: the in-memory keyed table (hash view plus insertion-ordered view)
//     and the serialized / in-memory size accounting.
//   - op: operations, their results, the three-way Outcome type and the FIFO
//     operation queue.
//   - quota: the quota guard, policy attributes and the interactive quota
//     reply contract.
//   - persist: the loader/saver collaborator with file and bbolt implementations.
//   - sched: the per-backend single-consumer run loop.
//   - backend: the Backend facade, its lifecycle and the reference counting Manager.
//   - lstore: a context-aware blocking IStore over a backend handle.
//
// Error Handling:
//
//	All failures surface as *Error carrying a RetCode. Sentinel values
//	(ErrQuotaExceeded, ErrReadOnlyViolation, ...) can be matched with errors.Is:
//
//	  if errors.Is(err, storage.ErrQuotaExceeded) { ... }
package storage
