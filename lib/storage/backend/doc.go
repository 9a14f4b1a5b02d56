/*
Package backend implements the storage engine of one origin and the registry
handing out backends.

A Backend owns a table, an operation queue and the quota state of one
storage.Identity. Every backend runs its own sched.Loop: operations are
queued from any goroutine and executed strictly in FIFO order on the loop,
so the table is never touched concurrently.

An operation either finishes (Done or Failed) or yields (Pending). It yields
while

  - the table is loaded in the background (first access)
  - a flush it waits for is written in the background
  - the quota listener has not answered an overflow yet

and is executed again from the top once the load, the write or the answer
arrives. Yielding operations stay at the head of the queue.

Mutations arm a debounced flush (DelayedFlush). Releasing a handle writes
pending modifications right away. Once no handle references a backend, its
queue is empty and no write is outstanding, it drains, flushes synchronously
and destroys itself.

The Manager shares one backend per identity, tracks the used bytes of
persistent and memory-only backends separately for the global quota and
tears everything down on Shutdown.
*/
package backend
