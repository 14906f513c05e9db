// Package jobqueue runs jobs under a bounded concurrency budget.
//
// A Job wraps one producer function and carries its own lifecycle, timestamps
// and completion future; it can be run and awaited without any queue.
//
// A Queue admits jobs into a FIFO backlog and promotes them into a running set
// of at most Parallelism jobs. Dispatch passes are deferred onto their own
// goroutine, so a burst of AddJob calls is fully queued before any of them
// starts. Lifecycle notifications (run, done, failed, idle) are delivered to
// registered callbacks and optionally mirrored onto an eventbus.Bus.
//
// A CapabilityQueue is a Queue whose admission is driven by job cost: the sum
// of running costs stays within a fixed budget, except that one "exclusive"
// job whose cost meets or exceeds the budget may run alone when allowed.
//
// In-flight jobs are never cancelled by a queue; Pause only stops future
// dispatch and RemoveJob only touches the backlog.
package jobqueue
