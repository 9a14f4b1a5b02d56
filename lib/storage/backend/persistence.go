package backend

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/op"
	"github.com/ValentinKolb/wstore/lib/storage/persist"
	"github.com/ValentinKolb/wstore/lib/storage/table"
	"time"
)

// --------------------------------------------------------------------------
// Loading
// --------------------------------------------------------------------------

// ensureLoaded starts (or continues) loading the table. It returns true once
// the table is usable. Without a live runtime (e.g. while draining) the load
// happens synchronously.
func (b *Backend) ensureLoaded() bool {
	if b.initialized {
		return true
	}
	if b.waitingForLoad {
		if b.live() {
			return false
		}
		// give up on the background load and read synchronously
		b.loadGen++
		b.loadSync()
		return b.initialized
	}

	b.waitingForLoad = true
	b.loadAttempt = 0
	b.loadGen++
	if b.state == StateUninitialized {
		b.state = StateInitializing
	}
	switch {
	case b.path == persist.MemoryPath:
		b.finishLoad(b.loadGen, nil, nil, true)
	case b.live():
		b.spawnLoad(b.loadGen)
	default:
		b.loadSync()
	}
	return b.initialized
}

// spawnLoad reads the table in the background and posts the result.
func (b *Backend) spawnLoad(gen uint64) {
	predecessor := b.env.Predecessor
	go func() {
		if predecessor != nil {
			select {
			case <-predecessor:
			case <-b.ctx.Done():
				return
			}
		}
		records, err := b.env.Store.Load(b.ctx, b.path)
		b.loop.Post(func() { b.finishLoad(gen, records, err, false) })
	}()
}

// loadSync reads the table on the loop, including all out-of-memory retries.
func (b *Backend) loadSync() {
	gen := b.loadGen
	if b.env.Predecessor != nil {
		<-b.env.Predecessor
	}
	for {
		records, err := b.env.Store.Load(b.ctx, b.path)
		if !b.finishLoad(gen, records, err, true) {
			return
		}
		time.Sleep(b.retryDelay(b.loadAttempt - 1))
	}
}

// retryDelay returns the cooldown before retry number attempt (0-based).
func (b *Backend) retryDelay(attempt int) time.Duration {
	return b.opts.LoadRetryDelay << uint(attempt)
}

// finishLoad installs the loaded records. If the load ran out of memory and
// may be retried, a background retry is scheduled, or (for synchronous
// loads) true is returned and the caller retries.
func (b *Backend) finishLoad(gen uint64, records []persist.Record, err error, sync bool) (retry bool) {
	if gen != b.loadGen || !b.waitingForLoad {
		return false // abandoned
	}

	var tbl *table.Table
	if err == nil {
		tbl, err = b.populate(records)
	}

	if errors.Is(err, storage.ErrOutOfMemory) && b.loadAttempt < b.opts.LoadRetries {
		b.loadAttempt++
		b.env.Metrics.loadRetries.Inc()
		log.Warningf("%s: load ran out of memory, retry %d/%d", b.id, b.loadAttempt, b.opts.LoadRetries)
		if !sync {
			delay := b.retryDelay(b.loadAttempt - 1)
			time.AfterFunc(delay, func() {
				b.loop.Post(func() {
					if gen == b.loadGen && b.waitingForLoad {
						b.spawnLoad(gen)
					}
				})
			})
			return false
		}
		return true
	}

	if err != nil {
		// reset to an empty table, the error surfaces once
		log.Errorf("%s: failed to load %s, starting empty: %v", b.id, b.path, err)
		b.env.Metrics.loadFailures.Inc()
		tbl = newTable(b.id, b.opts)
		if storage.CodeOf(err) == storage.RetCInternalError {
			err = storage.Errorf(storage.RetCInternalError, "failed to load %s: %v", b.path, err)
		}
		b.initErr = err
	}

	b.table = tbl
	b.initialized = true
	b.waitingForLoad = false
	b.loadAttempt = 0
	if b.state == StateInitializing {
		b.state = StateInitialized
	}
	b.syncUsage()
	log.Debugf("%s: loaded %d pairs from %s", b.id, tbl.Count(), b.path)
	b.executeNext.Post()
	return false
}

// populate builds a table from records using the same insert path as
// runtime writes.
func (b *Backend) populate(records []persist.Record) (*table.Table, error) {
	tbl := newTable(b.id, b.opts)
	for _, r := range records {
		e := &table.Entry{
			Key:      table.NewValue(r.Key),
			Value:    table.NewValue(r.Value),
			ReadOnly: r.ReadOnly,
		}
		if err := tbl.Add(e); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return nil, storage.Errorf(storage.RetCCorruptedFile, "%s: %v", b.path, err)
			}
			return nil, err
		}
	}
	return tbl, nil
}

// --------------------------------------------------------------------------
// Flushing
// --------------------------------------------------------------------------

// pendingSave is a write running in the background. done receives the
// result exactly once, so a synchronous flush can wait for it.
type pendingSave struct {
	seq  uint64
	done chan error
}

// flush executes a FlushToDisk operation.
func (b *Backend) flush(o *op.Operation) op.Outcome {
	if b.path == persist.MemoryPath {
		return op.Done()
	}
	if o.Flags.SyncFlush || !b.live() {
		return b.flushSync()
	}

	// resumed after the write this operation waited for
	if o.Token != 0 && b.save == nil && b.lastSaveSeq >= o.Token {
		if b.lastSaveErr != nil {
			return op.Failed(b.lastSaveErr)
		}
		return op.Done()
	}
	if b.save != nil {
		// coalesce with the write in progress
		o.Token = b.save.seq
		return op.Pending()
	}
	if !b.hasModifications || !b.initialized {
		return op.Done()
	}
	o.Token = b.startSave().seq
	return op.Pending()
}

// snapshot returns the records to write.
func (b *Backend) snapshot() []persist.Record {
	entries := b.table.Snapshot()
	records := make([]persist.Record, len(entries))
	for i, e := range entries {
		records[i] = persist.Record{Key: e.Key.Bytes(), Value: e.Value.Bytes(), ReadOnly: e.ReadOnly}
	}
	return records
}

// write stores records, or removes the file if there are none.
func (b *Backend) write(records []persist.Record) error {
	b.env.Metrics.flushes.Inc()
	var err error
	if len(records) == 0 {
		err = b.env.Store.Remove(b.ctx, b.path)
	} else {
		err = b.env.Store.Save(b.ctx, b.path, records)
	}
	if err != nil {
		b.env.Metrics.flushErrors.Inc()
		return fmt.Errorf("failed to flush %s: %w", b.id, err)
	}
	return nil
}

// startSave writes the current table in the background.
func (b *Backend) startSave() *pendingSave {
	b.saveSeq++
	s := &pendingSave{seq: b.saveSeq, done: make(chan error, 1)}
	b.save = s
	b.waitingForWrite = true
	b.hasModifications = false

	records := b.snapshot()
	go func() {
		s.done <- b.write(records)
		b.loop.Post(func() { b.finishSave(s) })
	}()
	return s
}

// finishSave completes a background write unless a synchronous flush did
// already.
func (b *Backend) finishSave(s *pendingSave) {
	if b.save != s {
		return
	}
	b.completeSave(s, <-s.done)
	b.executeNext.Post()
}

func (b *Backend) completeSave(s *pendingSave, err error) {
	b.save = nil
	b.waitingForWrite = false
	b.lastSaveSeq = s.seq
	b.lastSaveErr = err
	if err == nil {
		log.Debugf("%s: flushed to %s", b.id, b.path)
		return
	}
	log.Errorf("%s: %v", b.id, err)
	b.hasModifications = true
	if b.live() {
		// try again after the next debounce window
		b.delayedFlush.Schedule(b.opts.FlushDelay)
	}
}

// flushSync writes on the loop goroutine. An outstanding background write is
// waited for first.
func (b *Backend) flushSync() op.Outcome {
	if s := b.save; s != nil {
		b.completeSave(s, <-s.done)
	}
	if !b.hasModifications || b.path == persist.MemoryPath {
		return op.Done()
	}
	b.hasModifications = false
	b.saveSeq++
	err := b.write(b.snapshot())
	b.lastSaveSeq = b.saveSeq
	b.lastSaveErr = err
	if err != nil {
		b.hasModifications = true
		return op.Failed(err)
	}
	return op.Done()
}

// --------------------------------------------------------------------------
// Delayed flush
// --------------------------------------------------------------------------

// onDelayedFlush fires after the debounce window. If the queue got new work
// in the meantime it waits for the rest of the window (measured from the last
// modification) before queueing the flush.
func (b *Backend) onDelayedFlush() {
	if b.state != StateInitialized || !b.hasModifications {
		return
	}
	if !b.queue.Empty() {
		if remaining := b.opts.FlushDelay - time.Since(b.lastModification); remaining > 0 {
			b.delayedFlush.Schedule(remaining)
			return
		}
	}
	b.enqueueInternalFlush()
}

// enqueueInternalFlush queues a background flush nobody waits for.
func (b *Backend) enqueueInternalFlush() {
	o := op.NewFlush(false, nil)
	o.Internal = true
	b.enqueue(o)
}
