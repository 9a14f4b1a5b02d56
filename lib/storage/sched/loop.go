package sched

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"sync/atomic"
	"time"
)

var log = logger.GetLogger("sched")

// Task is a unit of work executed on a Loop.
type Task func()

// --------------------------------------------------------------------------
// Loop (single-threaded cooperative executor)
// --------------------------------------------------------------------------

// Loop runs posted tasks one after another on a dedicated goroutine. Tasks
// never run concurrently, so state only touched from tasks needs no locking.
// Tasks posted from the same goroutine run in post order.
type Loop struct {
	name    string
	box     *Mailbox[Task]
	done    chan struct{}
	stopped atomic.Bool

	// orders Post against Stop, so every accepted task runs
	mu sync.RWMutex
}

// NewLoop creates and starts a loop.
func NewLoop(name string) *Loop {
	l := &Loop{
		name: name,
		box:  NewMailbox[Task](),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// run executes tasks until the loop is stopped and the mailbox is empty.
func (l *Loop) run() {
	defer close(l.done)
	for {
		task, ok := l.box.Pop()
		if !ok {
			return
		}
		l.exec(task)
	}
}

// exec runs one task and keeps the loop alive if it panics.
func (l *Loop) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("loop %s: task panicked: %v", l.name, r)
		}
	}()
	task()
}

// Name returns the name the loop was created with.
func (l *Loop) Name() string {
	return l.name
}

// Post queues a task. It returns false if the loop was stopped.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *Loop) Post(t Task) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped.Load() {
		return false
	}
	return l.box.Push(t)
}

// Stop prevents further posts. Tasks already queued still run, afterwards
// the loop goroutine exits. Stop can be called from inside a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped.CompareAndSwap(false, true) {
		l.box.Close()
	}
}

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool {
	return l.stopped.Load()
}

// Done is closed once the loop goroutine exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending returns the approximate number of queued tasks.
func (l *Loop) Pending() int {
	return l.box.Len()
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from a task of the same loop.
func (l *Loop) Call(fn Task) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return fmt.Errorf("loop %s is stopped", l.name)
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// the task may have run right before the loop exited
		select {
		case <-finished:
			return nil
		default:
			return fmt.Errorf("loop %s stopped before the call ran", l.name)
		}
	}
}

// --------------------------------------------------------------------------
// Signal (deduplicated message)
// --------------------------------------------------------------------------

// Signal is a message of which at most one instance is queued at any time.
type Signal struct {
	loop    *Loop
	fn      Task
	pending atomic.Bool
}

// NewSignal creates a deduplicated message running fn.
func (l *Loop) NewSignal(fn Task) *Signal {
	return &Signal{loop: l, fn: fn}
}

// Post queues the signal unless it is already queued. It returns true if the
// signal is queued after the call.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *Signal) Post() bool {
	if !s.pending.CompareAndSwap(false, true) {
		return true
	}
	if !s.loop.Post(s.fire) {
		s.pending.Store(false)
		return false
	}
	return true
}

// Pending reports whether the signal is queued.
func (s *Signal) Pending() bool {
	return s.pending.Load()
}

func (s *Signal) fire() {
	// clear first so fn can re-post the signal
	s.pending.Store(false)
	s.fn()
}

// --------------------------------------------------------------------------
// Timer (deduplicated delayed message)
// --------------------------------------------------------------------------

// Timer is a delayed message of which at most one instance is outstanding.
//
// Thread-safety: Schedule, Stop and Pending must be called from tasks of the
// loop the timer belongs to.
type Timer struct {
	loop     *Loop
	fn       Task
	pending  bool
	deadline time.Time
	gen      uint64
	timer    *time.Timer
}

// NewTimer creates a delayed message running fn.
func (l *Loop) NewTimer(fn Task) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Schedule arms the timer to fire after d. It returns false, and keeps the
// current deadline, if the timer is already armed.
func (t *Timer) Schedule(d time.Duration) bool {
	if t.pending {
		return false
	}
	if d < 0 {
		d = 0
	}
	t.pending = true
	t.gen++
	gen := t.gen
	t.deadline = time.Now().Add(d)
	t.timer = time.AfterFunc(d, func() {
		t.loop.Post(func() {
			if !t.pending || t.gen != gen {
				return // stopped or re-armed in the meantime
			}
			t.pending = false
			t.fn()
		})
	})
	return true
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	if !t.pending {
		return
	}
	t.pending = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Pending reports whether the timer is armed.
func (t *Timer) Pending() bool {
	return t.pending
}

// Deadline returns when the armed timer fires.
func (t *Timer) Deadline() time.Time {
	return t.deadline
}
