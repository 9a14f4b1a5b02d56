package quota

import (
	"fmt"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Quota prompt contract
// --------------------------------------------------------------------------

// Reply is the answer of the quota listener.
// Allow with NewQuota == 0 means "always allow, do not ask again".
type Reply struct {
	Allow     bool
	NewQuota  int64
	Cancelled bool
}

// Request describes the write that overflowed.
type Request struct {
	Origin    string
	Used      int64 // currently used by the origin
	Needed    int64 // used size after the write
	Available int64 // currently available
}

// Callback is handed to the listener. Exactly one of its methods must be
// called, further calls are ignored.
type Callback interface {
	OnQuotaReply(allowIncrease bool, newQuotaSize int64)
	OnCancel()
}

// Listener is asked whether an origin may grow beyond its quota.
// OnQuotaExceeded must not block; the answer is delivered through cb, from
// any goroutine.
type Listener interface {
	OnQuotaExceeded(req Request, cb Callback)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(req Request, cb Callback)

func (f ListenerFunc) OnQuotaExceeded(req Request, cb Callback) {
	f(req, cb)
}

// replyCallback turns the callback methods into a single Reply delivery.
type replyCallback struct {
	done    atomic.Bool
	deliver func(Reply)
}

// NewCallback returns a Callback that calls deliver at most once.
func NewCallback(deliver func(Reply)) Callback {
	return &replyCallback{deliver: deliver}
}

func (c *replyCallback) OnQuotaReply(allowIncrease bool, newQuotaSize int64) {
	if c.done.CompareAndSwap(false, true) {
		c.deliver(Reply{Allow: allowIncrease, NewQuota: newQuotaSize})
	}
}

func (c *replyCallback) OnCancel() {
	if c.done.CompareAndSwap(false, true) {
		c.deliver(Reply{Cancelled: true})
	}
}

// --------------------------------------------------------------------------
// Quota state of a backend
// --------------------------------------------------------------------------

// State is the quota state of a backend.
type State uint8

const (
	StateDefault        State = iota // nobody is waiting
	StateWaitingForUser              // one operation waits for the listener
	StateUserReplied                 // the listener replied, the waiting operation has not resumed yet
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "Default"
	case StateWaitingForUser:
		return "WaitingForUser"
	case StateUserReplied:
		return "UserReplied"
	default:
		return "Unknown"
	}
}

// Tracker holds the quota state of one backend. At most one operation can be
// waiting for the user at any time.
//
// Thread-safety: not thread-safe, owned by the backend run loop.
type Tracker struct {
	state  State
	owner  any
	reply  Reply
	prompt uint64 // incremented for every prompt so stale replies can be ignored
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// Owner returns the operation that is waiting (or resuming), nil otherwise.
func (t *Tracker) Owner() any {
	return t.owner
}

// Wait moves Default -> WaitingForUser for owner and returns the prompt id.
func (t *Tracker) Wait(owner any) (uint64, error) {
	if t.state != StateDefault {
		return 0, fmt.Errorf("quota prompt already in progress (state %s)", t.state)
	}
	t.prompt++
	t.state = StateWaitingForUser
	t.owner = owner
	return t.prompt, nil
}

// Replied moves WaitingForUser -> UserReplied. It returns false if the reply
// belongs to an older prompt or nobody waits.
func (t *Tracker) Replied(prompt uint64, r Reply) bool {
	if t.state != StateWaitingForUser || prompt != t.prompt {
		return false
	}
	t.state = StateUserReplied
	t.reply = r
	return true
}

// Consume moves UserReplied -> Default and returns the reply, if owner is the
// operation the reply belongs to.
func (t *Tracker) Consume(owner any) (Reply, bool) {
	if t.state != StateUserReplied || t.owner != owner {
		return Reply{}, false
	}
	r := t.reply
	t.Reset()
	return r, true
}

// Reset forgets any prompt in progress.
func (t *Tracker) Reset() {
	t.state = StateDefault
	t.owner = nil
	t.reply = Reply{}
}
