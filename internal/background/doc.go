// Package background runs deferred maintenance work on a single executor
// fed by a priority queue.
//
// Tasks carry a type, a priority, and an optional not-before time. The
// processor pops the highest-priority ready task on each poll tick,
// executes its registered handler under a per-task timeout, and
// re-enqueues failures with exponentially growing delays until the
// task's retry budget is spent. Recurring tasks (expired-record cleanup,
// proactive refresh scans, provider health checks, security audits)
// re-enqueue themselves on fixed intervals.
//
// A single executor goroutine keeps maintenance work strictly serialized
// so background tasks never compete with each other for the store.
package background
