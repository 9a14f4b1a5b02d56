// Package quota implements the per-origin storage quota of the Web Storage engine.
//
// The Guard computes the available size of an origin from its policy attributes:
//
//	available = min(origin_quota, global_quota - (global_used - origin_used))
//
// where Unlimited for either quota removes that bound. A write that grows the
// origin beyond the available size overflows. Depending on the stored
// Handling of the origin the write then fails, is committed anyway, or the
// quota Listener is asked. The listener answers through a Callback; its Reply
// is persisted into the PolicyStore (allow-always, deny or a new origin quota)
// so the same origin is not asked again.
//
// The Tracker keeps the backend-wide quota state
// (Default -> WaitingForUser -> UserReplied -> Default) and guarantees that
// at most one operation waits for the user at a time.
package quota
