package backend

import (
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/op"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/ValentinKolb/wstore/lib/storage/table"
	"time"
)

// --------------------------------------------------------------------------
// Scheduling (ExecuteNext)
// --------------------------------------------------------------------------

// runNext executes the head of the queue. A yielding operation stays at the
// head; whoever it waits for posts ExecuteNext again.
func (b *Backend) runNext() {
	if b.state >= StateBeingDeleted {
		return
	}
	if b.queue.Empty() {
		b.maybeTeardown()
		return
	}

	o := b.queue.Peek()
	out := b.process(o)
	if out.Status == op.StatusPending {
		return
	}
	b.queue.Pop()
	b.finish(o, out)

	if !b.queue.Empty() {
		b.executeNext.Post()
	} else {
		b.maybeTeardown()
	}
}

// finish terminates o. A sticky init error replaces the first success of a
// caller visible operation.
func (b *Backend) finish(o *op.Operation, out op.Outcome) {
	err := out.Err
	if err == nil && !o.Internal && b.initErr != nil {
		err = b.initErr
		b.initErr = nil
	}

	b.executed++
	b.lastOperation = time.Now()
	if !o.Enqueued.IsZero() {
		b.latency.UpdateSince(o.Enqueued)
		b.env.Metrics.opLatency.UpdateDuration(o.Enqueued)
	}
	if c, ok := b.env.Metrics.operations[o.Kind]; ok {
		c.Inc()
	}
	if err != nil {
		b.env.Metrics.failed.Inc()
		log.Debugf("%s: %s failed: %v", b.id, o.Kind, err)
	}

	o.Terminate(err)
}

// process runs o once from the top and reports whether it is done, failed
// or has to be run again later.
func (b *Backend) process(o *op.Operation) op.Outcome {
	if o.Kind.RequiresInit() && !b.initialized {
		if !b.ensureLoaded() {
			return op.Pending()
		}
	}

	switch o.Kind {
	case op.KindGetCount:
		o.Result().Count = b.table.Count()
		return op.Done()
	case op.KindGetKeyByIndex:
		if e := b.table.GetByIndex(o.Index); e != nil {
			o.Result().Value = e.Key
		}
		return op.Done()
	case op.KindGetItem:
		if e := b.table.Get(o.Key); e != nil {
			o.Result().Value = e.Value
		}
		return op.Done()
	case op.KindSetItem, op.KindSetItemReadOnly:
		return b.setItem(o)
	case op.KindClear:
		return b.clear(o)
	case op.KindClearReadOnlyAware:
		return b.clearAll(o)
	case op.KindEnumerate:
		return b.enumerate(o)
	case op.KindFlushToDisk:
		return b.flush(o)
	default:
		return op.Failed(storage.Errorf(storage.RetCInvalidOperation, "unknown operation kind %d", o.Kind))
	}
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// setItem stores, replaces or (for an absent value) removes a pair.
func (b *Backend) setItem(o *op.Operation) op.Outcome {
	res := o.Result()
	privileged := o.Kind == op.KindSetItemReadOnly && b.opts.ReadOnlyPairs
	e := b.table.Get(o.Key)

	if !o.Value.Valid() {
		if e == nil {
			return op.Done()
		}
		if e.ReadOnly && !privileged {
			return op.Failed(storage.Errorf(storage.RetCReadOnlyViolation, "cannot remove read-only key %q", o.Key))
		}
		b.table.Remove(o.Key)
		res.Value = e.Value
		res.Mutated = true
		b.modified()
		return op.Done()
	}

	readOnly := false
	if e != nil {
		if e.ReadOnly && !privileged {
			return op.Failed(storage.Errorf(storage.RetCReadOnlyViolation, "cannot overwrite read-only key %q", o.Key))
		}
		readOnly = e.ReadOnly
	}
	if privileged {
		readOnly = o.Flags.SetReadOnlyTo
	}

	used := b.table.Used()
	model := b.table.Model()
	newUsed := used + model.PairCost(o.Key, o.Value)
	if e != nil {
		if e.Value.Equal(o.Value) && e.ReadOnly == readOnly {
			// nothing changes, echo the stored value
			res.Value = e.Value
			return op.Done()
		}
		newUsed -= model.PairCost(e.Key, e.Value)
	}

	if out, commit := b.checkQuota(o, used, newUsed); !commit {
		return out
	}

	if e != nil {
		res.Value = b.table.SetValue(e, o.Value, readOnly)
	} else {
		if err := b.table.Add(&table.Entry{Key: o.Key, Value: o.Value, ReadOnly: readOnly}); err != nil {
			return op.Failed(err)
		}
		res.Value = table.None
	}
	b.valueSizes.AddSample(o.Value.Len())
	b.env.Metrics.valueSize.Update(float64(o.Value.Len()))
	o.Key, o.Value = table.None, table.None
	res.Mutated = true
	b.modified()
	return op.Done()
}

// clear removes every pair that is not read-only (all pairs if read-only
// pairs are disabled).
func (b *Backend) clear(o *op.Operation) op.Outcome {
	removed := 0
	if b.opts.ReadOnlyPairs {
		removed = b.table.RemoveIf(func(e *table.Entry) bool { return !e.ReadOnly })
	} else {
		removed = b.table.Count()
		b.table.Clear()
	}
	if removed > 0 {
		o.Result().Mutated = true
		b.modified()
	}
	return op.Done()
}

// clearAll drops every pair, read-only ones included. It does not wait for a
// load; a running load is abandoned and the stored file is overwritten.
func (b *Backend) clearAll(o *op.Operation) op.Outcome {
	wasLoaded := b.initialized
	if b.waitingForLoad {
		b.loadGen++
		b.waitingForLoad = false
		b.loadAttempt = 0
	}
	removed := b.table.Count()
	b.table.Clear()
	b.initialized = true
	if b.state < StateInitialized {
		b.state = StateInitialized
	}

	if removed > 0 || !wasLoaded {
		o.Result().Mutated = true
		b.modified()
	}
	return op.Done()
}

// --------------------------------------------------------------------------
// Enumeration
// --------------------------------------------------------------------------

func (b *Backend) enumerate(o *op.Operation) op.Outcome {
	en := o.Enumerator()
	if en == nil {
		return op.Done()
	}
	wantsValues := en.WantsValues()
	for i, e := range b.table.All() {
		value := table.None
		if wantsValues {
			value = e.Value
		}
		if err := en.HandleKey(i, e.Key, value); err != nil {
			return op.Failed(err)
		}
	}
	return op.Done()
}

// --------------------------------------------------------------------------
// Quota
// --------------------------------------------------------------------------

// checkQuota decides whether a write growing the table from used to newUsed
// may commit. If not, the returned outcome is either a failure or Pending
// while the quota listener is asked.
func (b *Backend) checkQuota(o *op.Operation, used, newUsed int64) (op.Outcome, bool) {
	switch o.Phase() {
	case op.PhaseAwaitingQuota:
		return op.Pending(), false
	case op.PhaseResumed:
		o.SetPhase(op.PhaseNotStarted)
		reply, ok := b.tracker.Consume(o)
		if !ok {
			break // reply got lost (cancel-all), evaluate as if new
		}
		if reply.Cancelled || !reply.Allow {
			b.guard.Apply(reply)
			return op.Failed(b.guard.Exceeded(used, newUsed)), false
		}
		b.guard.Apply(reply)
		// the sizes were recomputed from the current table, only ask once
		if b.guard.Decide(used, newUsed, false) != quota.DecisionCommit {
			return op.Failed(b.guard.Exceeded(used, newUsed)), false
		}
		return op.Outcome{}, true
	}

	canAsk := !o.Flags.FailIfQuotaError && b.env.Listener != nil && b.live()
	switch b.guard.Decide(used, newUsed, canAsk) {
	case quota.DecisionCommit:
		return op.Outcome{}, true
	case quota.DecisionAsk:
		return b.askQuota(o, used, newUsed)
	default:
		return op.Failed(b.guard.Exceeded(used, newUsed)), false
	}
}

// askQuota hands the overflow to the quota listener and yields.
func (b *Backend) askQuota(o *op.Operation, used, newUsed int64) (op.Outcome, bool) {
	prompt, err := b.tracker.Wait(o)
	if err != nil {
		return op.Failed(storage.Errorf(storage.RetCQuotaExceeded, "%v", err)), false
	}
	o.SetPhase(op.PhaseAwaitingQuota)
	b.env.Metrics.quotaPrompts.Inc()

	req := quota.Request{
		Origin:    b.id.Origin,
		Used:      used,
		Needed:    newUsed,
		Available: b.guard.Available(used),
	}
	log.Infof("%s: asking to grow from %d to %d bytes (available %d)", b.id, used, newUsed, req.Available)
	cb := quota.NewCallback(func(r quota.Reply) {
		b.loop.Post(func() { b.onQuotaReply(prompt, r) })
	})
	b.env.Listener.OnQuotaExceeded(req, cb)
	return op.Pending(), false
}

// onQuotaReply resumes the waiting operation from the top.
func (b *Backend) onQuotaReply(prompt uint64, r quota.Reply) {
	if !b.tracker.Replied(prompt, r) {
		return // stale or cancelled
	}
	if o, ok := b.tracker.Owner().(*op.Operation); ok {
		o.SetPhase(op.PhaseResumed)
	}
	b.executeNext.Post()
}
