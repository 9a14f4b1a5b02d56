package op

// --------------------------------------------------------------------------
// Queue (FIFO of pending operations)
// --------------------------------------------------------------------------

// Queue is a FIFO of operations backed by a growable ring buffer.
// The head stays at the front until it is popped, no matter how often it
// yields.
//
// Thread-safety: Queue is not thread-safe. It is owned by a backend run loop.
type Queue struct {
	buf   []*Operation
	head  int
	count int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{buf: make([]*Operation, 8)}
}

// Push appends o at the tail.
func (q *Queue) Push(o *Operation) {
	if q.count == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = o
	q.count++
}

// Peek returns the head without removing it, or nil if the queue is empty.
func (q *Queue) Peek() *Operation {
	if q.count == 0 {
		return nil
	}
	return q.buf[q.head]
}

// Pop removes and returns the head, or nil if the queue is empty.
func (q *Queue) Pop() *Operation {
	if q.count == 0 {
		return nil
	}
	o := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return o
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	return q.count
}

// Empty reports whether no operation is queued.
func (q *Queue) Empty() bool {
	return q.count == 0
}

// Drain removes all operations without terminating them and returns them in
// queue order.
func (q *Queue) Drain() []*Operation {
	out := make([]*Operation, 0, q.count)
	for q.count > 0 {
		out = append(out, q.Pop())
	}
	return out
}

// grow doubles the ring buffer and moves the head to index 0.
func (q *Queue) grow() {
	n := len(q.buf) * 2
	if n == 0 {
		n = 8
	}
	buf := make([]*Operation, n)
	for i := 0; i < q.count; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
