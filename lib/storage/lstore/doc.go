// Package lstore implements storage.IStore on top of a backend handle.
//
// Every method queues one operation on the backend of the store's identity
// and blocks until it completes or the context is done. A cancelled call
// does not cancel the queued operation: it still runs in order, only its
// result is dropped.
//
// Usage Example:
//
//	m := backend.NewManager(backend.Config{Store: store})
//	s, err := lstore.NewLocalStore(m, storage.Identity{Origin: "https://example.com", Type: storage.TypeLocal})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	_, err = s.SetItem(ctx, "theme", "dark")
//	value, ok, err := s.GetItem(ctx, "theme")
package lstore
