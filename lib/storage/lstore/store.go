package lstore

import (
	"context"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/backend"
	"github.com/ValentinKolb/wstore/lib/storage/op"
	"github.com/ValentinKolb/wstore/lib/storage/table"
)

type storeImpl struct {
	handle *backend.Handle
	// writes fail on quota errors instead of asking the quota listener
	failIfQuotaError bool
}

// Option configures a store.
type Option func(*storeImpl)

// WithFailIfQuotaError makes writes fail right away when they exceed the
// quota, without asking the quota listener.
func WithFailIfQuotaError() Option {
	return func(s *storeImpl) {
		s.failIfQuotaError = true
	}
}

// NewLocalStore opens the backend of id on m and returns a blocking store
// for it. Close releases the backend.
func NewLocalStore(m *backend.Manager, id storage.Identity, opts ...Option) (storage.IStore, error) {
	h, err := m.Open(id)
	if err != nil {
		return nil, err
	}
	s := &storeImpl{handle: h}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// do enqueues the operation built by mk and waits for its result. If ctx is
// done first the operation still runs, its result is dropped.
func (s *storeImpl) do(ctx context.Context, mk func(cb op.Callback) *op.Operation) (op.Result, error) {
	if err := ctx.Err(); err != nil {
		return op.Result{}, err
	}
	ch := make(chan op.Result, 1)
	s.handle.Enqueue(mk(func(r op.Result) { ch <- r }))
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return op.Result{}, ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Length(ctx context.Context) (int, error) {
	r, err := s.do(ctx, op.NewGetCount)
	return r.Count, err
}

func (s *storeImpl) Key(ctx context.Context, index int) (string, bool, error) {
	if index < 0 {
		return "", false, nil
	}
	r, err := s.do(ctx, func(cb op.Callback) *op.Operation {
		return op.NewGetKeyByIndex(index, cb)
	})
	if err != nil || !r.Value.Valid() {
		return "", false, err
	}
	return string(r.Value.Bytes()), true, nil
}

func (s *storeImpl) GetItem(ctx context.Context, key string) (string, bool, error) {
	r, err := s.do(ctx, func(cb op.Callback) *op.Operation {
		return op.NewGetItem(table.StringValue(key), cb)
	})
	if err != nil || !r.Value.Valid() {
		return "", false, err
	}
	return string(r.Value.Bytes()), true, nil
}

func (s *storeImpl) SetItem(ctx context.Context, key, value string) (bool, error) {
	r, err := s.do(ctx, func(cb op.Callback) *op.Operation {
		return op.NewSetItem(table.StringValue(key), table.StringValue(value), s.failIfQuotaError, cb)
	})
	return r.Mutated, err
}

func (s *storeImpl) SetItemReadOnly(ctx context.Context, key, value string, readOnly bool) (bool, error) {
	r, err := s.do(ctx, func(cb op.Callback) *op.Operation {
		return op.NewSetItemReadOnly(table.StringValue(key), table.StringValue(value), readOnly, s.failIfQuotaError, cb)
	})
	return r.Mutated, err
}

func (s *storeImpl) RemoveItem(ctx context.Context, key string) (bool, error) {
	r, err := s.do(ctx, func(cb op.Callback) *op.Operation {
		return op.NewSetItem(table.StringValue(key), table.None, s.failIfQuotaError, cb)
	})
	return r.Mutated, err
}

func (s *storeImpl) Clear(ctx context.Context) (bool, error) {
	r, err := s.do(ctx, op.NewClear)
	return r.Mutated, err
}

func (s *storeImpl) Keys(ctx context.Context, fn func(index int, key, value string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// collect on the loop, call fn here so it may use the store itself
	c := &collector{done: make(chan error, 1)}
	s.handle.Enqueue(op.NewEnumerate(c))
	select {
	case err := <-c.done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	for i, p := range c.pairs {
		if err := fn(i, p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeImpl) Flush(ctx context.Context) error {
	_, err := s.do(ctx, func(cb op.Callback) *op.Operation {
		return op.NewFlush(true, cb)
	})
	return err
}

func (s *storeImpl) Close() error {
	s.handle.Release()
	return nil
}

// --------------------------------------------------------------------------
// Enumeration
// --------------------------------------------------------------------------

// collector copies all pairs of an enumeration.
type collector struct {
	pairs [][2]string
	done  chan error
}

func (c *collector) WantsValues() bool {
	return true
}

func (c *collector) HandleKey(_ int, key, value table.Value) error {
	c.pairs = append(c.pairs, [2]string{string(key.Bytes()), string(value.Bytes())})
	return nil
}

func (c *collector) HandleError(err error) {
	c.done <- err
}

func (c *collector) Discard() {
	c.done <- nil
}
