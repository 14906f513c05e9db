package jobqueue

import (
	"time"

	logx "jobq/pkg/logx"
)

// schedule requests a dispatch pass on a fresh goroutine. It never dispatches
// inline, so the caller's synchronous work (e.g. a burst of AddJob calls)
// completes before the backlog is evaluated. Requests made while a pass is
// already pending are coalesced into it.
func (q *Queue) schedule() {
	if q.pending.CompareAndSwap(false, true) {
		q.opts.spawner.Go(q.name+".dispatch", q.runNext)
	}
}

// runNext is one dispatch pass: it promotes backlog heads into the running
// set for as long as the queue is unpaused, has a free slot, and the
// admission gate (if any) lets the head through.
func (q *Queue) runNext() {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()
	// Cleared under dispatchMu: any mutation after this point schedules another pass.
	q.pending.Store(false)

	for {
		q.mu.Lock()
		if q.paused {
			signal := q.running.Empty() && !q.idleSignal
			if signal {
				q.idleSignal = true
			}
			q.mu.Unlock()
			if signal {
				q.log.Debug("queue idle while paused", logx.Int("backlog", q.BacklogLen()))
				q.emitIdle()
			}
			return
		}
		if q.running.Full() || q.backlog.IsEmpty() {
			q.mu.Unlock()
			return
		}
		head, _ := q.backlog.Peek()
		if q.gate != nil && !q.gate.ready(head, q.running) {
			q.mu.Unlock()
			return
		}
		q.backlog.Pop()
		_ = q.running.Add(head) // cannot fail: checked Full above
		q.idleSignal = false
		q.mu.Unlock()

		q.start(head)
	}
}

// start launches one job that was just moved into the running set.
func (q *Queue) start(j *Job) {
	// begin flips the job's running flag before anyone sees the "run" event.
	if err := j.begin(); err != nil {
		// Someone ran the job directly while it waited in the backlog.
		q.mu.Lock()
		q.running.Remove(j)
		waiters := q.takeWaitersIfDrainedLocked()
		q.mu.Unlock()
		q.log.Warn("job skipped: already started elsewhere", logx.String("job", j.label()))
		q.releaseWaiters(waiters)
		return
	}

	q.log.Debug("job.started", logx.String("job", j.label()), logx.Duration("queue_delay", time.Since(j.created)))
	announced := make(chan struct{})
	q.opts.spawner.Go("job."+j.label(), func() { q.finish(j, announced) })

	q.onRun.emit(Event{Kind: EventRun, Queue: q, Job: j}, q.listenerPanic(EventRun))
	q.publish(EventRun, j, nil)
	close(announced)
}

// finish runs the job's producer and applies the completion continuation:
// counters, removal from the running set, a new dispatch pass, then the
// notification and any RunToCompletion waiters. The notification waits for
// announced so that "run" is always observed before "done"/"failed".
func (q *Queue) finish(j *Job, announced <-chan struct{}) {
	_, err := j.execute(q.opts.ctx)

	w := j.weight()
	q.mu.Lock()
	q.running.Remove(j)
	if err == nil {
		q.jobsDone++
		q.workDone += w
	} else {
		q.jobsFailed++
		q.workFailed += w
	}
	drained := q.backlog.Len()+q.running.Len() == 0
	var waiters []chan error
	if err != nil || drained {
		waiters = q.waiters
		q.waiters = nil
	}
	q.mu.Unlock()

	q.schedule()
	<-announced

	dur := j.RunDuration()
	if err != nil {
		q.log.Warn("job.failed", logx.String("job", j.label()), logx.Err(err), logx.Duration("dur", dur))
		q.onFailed.emit(Event{Kind: EventFailed, Queue: q, Job: j, Err: err}, q.listenerPanic(EventFailed))
		q.publish(EventFailed, j, err)
	} else {
		if dur >= q.opts.slowAfter {
			q.log.Info("job.completed", logx.String("job", j.label()), logx.Duration("dur", dur))
		} else {
			q.log.Debug("job.completed", logx.String("job", j.label()), logx.Duration("dur", dur))
		}
		q.onDone.emit(Event{Kind: EventDone, Queue: q, Job: j}, q.listenerPanic(EventDone))
		q.publish(EventDone, j, nil)
	}

	for _, ch := range waiters {
		ch <- err
	}
	if err == nil && len(waiters) > 0 {
		q.emitIdle()
	}
}
