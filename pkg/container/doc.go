// Package container holds the small storage primitives used by the job
// queues: a FIFO Queue and a bounded multiset Bag.
//
// Neither type is safe for concurrent use; owners guard them with their own lock.
package container
