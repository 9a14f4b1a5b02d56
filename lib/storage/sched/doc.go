/*
Package sched provides the cooperative executor the storage backends run on.

A Loop drains a lock-free multi-producer single-consumer Mailbox on one
goroutine, so everything a backend owns is only ever touched by that
goroutine. On top of the loop two message kinds exist:

  - Signal: a message of which at most one instance is queued (ExecuteNext)
  - Timer: a delayed message of which at most one instance is armed (DelayedFlush)
*/
package sched
