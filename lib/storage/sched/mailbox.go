package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the mailbox
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Mailbox is a lock-free multi-producer single-consumer queue.
// Implementation uses a linked list of nodes with atomic operations
// for concurrent push operations without locks; the consumer sleeps on a
// condition variable while the list is empty.
//
// Messages pushed by the same goroutine are received in push order.
type Mailbox[T any] struct {
	head   atomic.Pointer[node[T]] // sentinel, only moved by the consumer
	tail   atomic.Pointer[node[T]]
	closed atomic.Bool

	// Condition variable for efficient waiting
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMailbox creates an empty mailbox
func NewMailbox[T any]() *Mailbox[T] {
	// Create a sentinel node (dummy node at the beginning)
	sentinel := &node[T]{}

	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	m.head.Store(sentinel)
	m.tail.Store(sentinel)
	return m
}

// Push adds a message to the mailbox.
// Returns false if the mailbox is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Mailbox[T]) Push(value T) bool {
	if m.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8 = 0

	for {
		tailNode := m.tail.Load()

		// try to atomically append our node to the current tail
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// CAS may fail if another producer already helped moving the tail, that is fine
				m.tail.CompareAndSwap(tailNode, newNode)

				// wake the consumer, the lock orders this with its emptiness check
				m.mu.Lock()
				m.cond.Signal()
				m.mu.Unlock()
				return true
			}
		} else {
			// help another producer that appended but did not move the tail yet
			m.tail.CompareAndSwap(tailNode, next)
		}

		// back off under contention, spinning first and yielding later
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// TryPop removes the oldest message without blocking.
//
// Thread-safety: Only the single consumer may call TryPop and Pop.
func (m *Mailbox[T]) TryPop() (T, bool) {
	head := m.head.Load()
	next := head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}
	value := next.value

	// next becomes the new sentinel, clear its value to help the gc
	var zero T
	next.value = zero
	m.head.Store(next)
	return value, true
}

// Pop removes the oldest message and blocks while the mailbox is empty.
// It returns false once the mailbox is closed and empty.
func (m *Mailbox[T]) Pop() (T, bool) {
	for {
		if v, ok := m.TryPop(); ok {
			return v, true
		}

		m.mu.Lock()
		// double-check after acquiring the lock
		if m.head.Load().next.Load() == nil {
			if m.closed.Load() {
				m.mu.Unlock()
				var zero T
				return zero, false
			}
			m.cond.Wait()
		}
		m.mu.Unlock()
	}
}

// Close prevents further pushes. Messages already queued are still delivered.
func (m *Mailbox[T]) Close() {
	m.closed.Store(true)

	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// IsClosed returns true if the mailbox is closed.
func (m *Mailbox[T]) IsClosed() bool {
	return m.closed.Load()
}

// Len returns an approximate count of queued messages.
// This is O(n) and should only be used for debugging.
func (m *Mailbox[T]) Len() int {
	count := 0
	current := m.head.Load()
	for {
		next := current.next.Load()
		if next == nil {
			break
		}
		count++
		current = next
	}
	return count
}
