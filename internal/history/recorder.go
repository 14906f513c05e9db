package history

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
)

// Recorder copies finished runs from queues into a Store.
//
// Queue listeners only enqueue; a single Run loop does the writes so a slow
// store never holds up job completion. When the buffer is full, runs are
// dropped and counted.
type Recorder struct {
	store Store
	log   logx.Logger
	in    chan Run

	dropped  atomic.Uint64
	dropWarn rate.Sometimes
}

func NewRecorder(store Store, buffer int, log logx.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store:    store,
		log:      log,
		in:       make(chan Run, buffer),
		dropWarn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

func (r *Recorder) Store() Store { return r.store }

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Attach records every run of q that ends. The returned func detaches.
func (r *Recorder) Attach(q *jobqueue.Queue) (detach func()) {
	offDone := q.OnDone(r.observe)
	offFailed := q.OnFailed(r.observe)
	return func() {
		offDone()
		offFailed()
	}
}

func (r *Recorder) observe(ev jobqueue.Event) {
	run := Run{
		ID:       ev.Job.ID(),
		Queue:    ev.Queue.Name(),
		Name:     ev.Job.Name(),
		Cost:     ev.Job.Cost(),
		Duration: ev.Job.RunDuration(),
	}
	if t, err := ev.Job.StartTime(); err == nil {
		run.StartedAt = t
	}
	if ev.Err != nil {
		run.Error = ev.Err.Error()
	}
	select {
	case r.in <- run:
	default:
		n := r.dropped.Add(1)
		r.dropWarn.Do(func() {
			r.log.Warn("history buffer full; run dropped", logx.String("queue", run.Queue), logx.Uint64("dropped", n))
		})
	}
}

// Run writes buffered runs until ctx ends, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case run := <-r.in:
			r.write(ctx, run)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case run := <-r.in:
			r.write(ctx, run)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, run Run) {
	if err := r.store.Append(ctx, run); err != nil {
		r.log.Warn("history append failed", logx.String("job", run.ID), logx.Err(err))
	}
}

// Recent reads back from the store.
func (r *Recorder) Recent(ctx context.Context, queue string, limit int) ([]Run, error) {
	return r.store.Recent(ctx, queue, limit)
}
