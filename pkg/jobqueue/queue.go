package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobq/pkg/container"
	"jobq/pkg/eventbus"
	logx "jobq/pkg/logx"
)

// admission is the pre-dispatch hook a specialised queue installs.
// Both methods see the queue's one canonical backlog and running set.
type admission interface {
	// admit validates a job at AddJob time, before any queue lock is taken.
	admit(j *Job) error
	// ready reports whether head may start now. Called with q.mu held.
	ready(head *Job, running *container.Bag[*Job]) bool
	// fill adds specialisation fields to a snapshot. Called with q.mu held.
	fill(s *Snapshot, running *container.Bag[*Job])
}

// Queue dispatches jobs from a FIFO backlog into a running set bounded by
// Parallelism.
type Queue struct {
	name string
	opts options
	log  logx.Logger
	gate admission

	mu          sync.Mutex
	parallelism int
	capacity    int
	policy      CapacityPolicy
	paused      bool
	idleSignal  bool // an idle notification was already emitted for the current paused+empty period
	backlog     *container.Queue[*Job]
	running     *container.Bag[*Job]
	waiters     []chan error

	admitted   uint64
	discarded  uint64
	jobsDone   uint64
	jobsFailed uint64
	workDone   float64
	workFailed float64

	// dispatchMu serialises dispatch passes so "run" is emitted in admission order.
	dispatchMu sync.Mutex
	pending    atomic.Bool

	onRun    listeners[Event]
	onDone   listeners[Event]
	onFailed listeners[Event]
	onIdle   listeners[Event]

	dropWarn rate.Sometimes
}

// New creates a Queue. It fails with ErrInvalidConfiguration on bad Config.
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newQueue(cfg, opts), nil
}

func newQueue(cfg Config, opts []Option) *Queue {
	o := buildOptions(opts)
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Queue{
		name:        name,
		opts:        o,
		log:         o.log.With(logx.String("queue", name)),
		parallelism: cfg.Parallelism,
		capacity:    cfg.Capacity,
		policy:      cfg.Policy,
		backlog:     container.NewQueue[*Job](16),
		running:     container.NewBag[*Job](cfg.Parallelism),
		dropWarn:    rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

func (q *Queue) Name() string { return q.name }

// OnRun registers fn for every job the queue starts.
func (q *Queue) OnRun(fn func(Event)) (unsubscribe func()) { return q.onRun.add(fn) }

// OnDone registers fn for every job that succeeded.
func (q *Queue) OnDone(fn func(Event)) (unsubscribe func()) { return q.onDone.add(fn) }

// OnFailed registers fn for every job that failed.
func (q *Queue) OnFailed(fn func(Event)) (unsubscribe func()) { return q.onFailed.add(fn) }

// OnIdle registers fn for idle notifications: the running set became empty
// while paused, or a RunToCompletion wait drained the queue.
func (q *Queue) OnIdle(fn func(Event)) (unsubscribe func()) { return q.onIdle.add(fn) }

// Add wraps fn into a Job and admits it.
func (q *Queue) Add(fn Producer, opts ...JobOption) (*Job, error) {
	j, err := NewJob(fn, opts...)
	if err != nil {
		return nil, err
	}
	if err := q.AddJob(j); err != nil {
		return nil, err
	}
	return j, nil
}

// AddJob admits j into the backlog and schedules a dispatch pass. From then
// on the job's cost is fixed until it runs or leaves the backlog.
//
// When the capacity policy discards, AddJob returns nil without queuing j;
// such a job never runs, so do not Wait on it without a deadline.
func (q *Queue) AddJob(j *Job) error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidConfiguration)
	}
	// Claimed before the gate check so the cost it sees cannot change later.
	if err := j.claim(); err != nil {
		return err
	}
	if q.gate != nil {
		if err := q.gate.admit(j); err != nil {
			j.unclaim()
			return err
		}
	}

	q.mu.Lock()
	if q.policy != CapacityIgnore && q.capacity > 0 {
		if n := q.backlog.Len() + q.running.Len(); n >= q.capacity {
			switch q.policy {
			case CapacityDiscard:
				q.discarded++
				discarded := q.discarded
				q.mu.Unlock()
				j.unclaim()
				q.onDiscarded(j, n, discarded)
				return nil
			case CapacityReject:
				capacity := q.capacity
				q.mu.Unlock()
				j.unclaim()
				return fmt.Errorf("%w: queue %s holds %d/%d jobs", ErrCapacityExceeded, q.name, n, capacity)
			}
		}
	}
	q.admitted++
	q.backlog.Push(j)
	q.mu.Unlock()

	q.schedule()
	return nil
}

func (q *Queue) onDiscarded(j *Job, held int, discarded uint64) {
	q.publish(EventDropped, j, nil)
	q.dropWarn.Do(func() {
		q.log.Warn("job dropped: queue full",
			logx.String("job", j.label()),
			logx.Int("held", held),
			logx.Uint64("discarded", discarded),
		)
	})
}

// Pause stops future dispatch; running jobs finish undisturbed. If the queue
// is already idle, one idle notification follows on the next dispatch pass.
func (q *Queue) Pause() {
	q.mu.Lock()
	if !q.paused {
		q.paused = true
		q.idleSignal = false
	}
	q.mu.Unlock()
	q.log.Debug("queue paused")
	q.schedule()
}

// Resume clears the paused flag and re-triggers dispatch.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.log.Debug("queue resumed")
	q.schedule()
}

// RunToCompletion resumes the queue and waits until backlog and running set
// are both empty. It returns the error of the first job that fails while
// waiting; other jobs keep running. Cancelling ctx abandons only the wait.
func (q *Queue) RunToCompletion(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	q.paused = false
	if q.backlog.Len()+q.running.Len() == 0 {
		q.mu.Unlock()
		q.emitIdle()
		return nil
	}
	ch := make(chan error, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()
	q.schedule()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i:i], q.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

// SetParallelism changes the slot count. Lowering it never interrupts
// running jobs; new ones start once the running set shrank below n.
func (q *Queue) SetParallelism(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: parallelism must be >= 1, got %d", ErrInvalidConfiguration, n)
	}
	q.mu.Lock()
	q.parallelism = n
	q.running.SetLimit(n)
	q.mu.Unlock()
	q.schedule()
	return nil
}

// SetCapacity changes the admission ceiling and policy (capacity 0 = unbounded).
// Jobs already admitted are kept even if they now exceed the ceiling.
func (q *Queue) SetCapacity(capacity int, policy CapacityPolicy) error {
	if capacity < 0 {
		return fmt.Errorf("%w: capacity must be >= 0, got %d", ErrInvalidConfiguration, capacity)
	}
	if !policy.valid() {
		return fmt.Errorf("%w: invalid capacity policy %v", ErrInvalidConfiguration, policy)
	}
	q.mu.Lock()
	q.capacity = capacity
	q.policy = policy
	q.mu.Unlock()
	return nil
}

// Backlog returns the jobs waiting to start, in dispatch order.
func (q *Queue) Backlog() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Items()
}

// Running returns the jobs currently executing, in no particular order.
func (q *Queue) Running() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running.Items()
}

// ClearBacklog drops every job that has not started yet and returns them.
func (q *Queue) ClearBacklog() []*Job {
	q.mu.Lock()
	out := q.backlog.Clear()
	waiters := q.takeWaitersIfDrainedLocked()
	q.mu.Unlock()
	for _, j := range out {
		j.unclaim()
	}
	q.releaseWaiters(waiters)
	return out
}

// RemoveJob takes a not-yet-started job out of the backlog. Running jobs are
// not in the backlog, so removing one fails with ErrUnknownJob like any
// unknown job. eq replaces pointer identity as the matching rule.
func (q *Queue) RemoveJob(j *Job, eq ...container.EqualFunc[*Job]) error {
	q.mu.Lock()
	removed, ok := q.backlog.Remove(j, eq...)
	waiters := q.takeWaitersIfDrainedLocked()
	q.mu.Unlock()
	if ok {
		removed.unclaim()
	}
	q.releaseWaiters(waiters)
	if !ok {
		return fmt.Errorf("%w: %v not in backlog of %s", ErrUnknownJob, j, q.name)
	}
	return nil
}

// takeWaitersIfDrainedLocked hands out the RunToCompletion waiters once
// nothing is left to run. Called with q.mu held.
func (q *Queue) takeWaitersIfDrainedLocked() []chan error {
	if len(q.waiters) == 0 || q.backlog.Len()+q.running.Len() > 0 {
		return nil
	}
	w := q.waiters
	q.waiters = nil
	return w
}

func (q *Queue) releaseWaiters(waiters []chan error) {
	if len(waiters) == 0 {
		return
	}
	for _, ch := range waiters {
		ch <- nil
	}
	q.emitIdle()
}

// HasJob reports whether j waits in the backlog.
func (q *Queue) HasJob(j *Job, eq ...container.EqualFunc[*Job]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Contains(j, eq...)
}

func (q *Queue) BacklogLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Len()
}

func (q *Queue) NumRunning() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running.Len()
}

func (q *Queue) Parallelism() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.parallelism
}

// Load is (backlog+running)/parallelism; above 1 means jobs are waiting.
func (q *Queue) Load() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.backlog.Len()+q.running.Len()) / float64(q.parallelism)
}

// Utilization is running/parallelism.
func (q *Queue) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.running.Len()) / float64(q.parallelism)
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// IsBusy reports whether every slot is taken.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running.Full()
}

// IsIdle reports whether nothing is running (the backlog may still hold jobs).
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running.Empty()
}

func (q *Queue) NumJobsDone() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobsDone
}

func (q *Queue) NumJobsFailed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobsFailed
}

// WorkDone is the cost-weighted count of succeeded jobs (weight 1 when unset).
func (q *Queue) WorkDone() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workDone
}

func (q *Queue) WorkFailed() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workFailed
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name        string  `json:"name"`
	Parallelism int     `json:"parallelism"`
	Capacity    int     `json:"capacity"`
	Policy      string  `json:"policy"`
	Paused      bool    `json:"paused"`
	Backlog     int     `json:"backlog"`
	Running     int     `json:"running"`
	Load        float64 `json:"load"`
	Utilization float64 `json:"utilization"`

	JobsAdmitted  uint64  `json:"jobs_admitted"`
	JobsDiscarded uint64  `json:"jobs_discarded"`
	JobsDone      uint64  `json:"jobs_done"`
	JobsFailed    uint64  `json:"jobs_failed"`
	WorkDone      float64 `json:"work_done"`
	WorkFailed    float64 `json:"work_failed"`

	// Set for capability queues only.
	Capabilities     float64 `json:"capabilities,omitempty"`
	CapabilitiesFree float64 `json:"capabilities_free,omitempty"`
	AllowExclusive   bool    `json:"allow_exclusive,omitempty"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{
		Name:          q.name,
		Parallelism:   q.parallelism,
		Capacity:      q.capacity,
		Policy:        q.policy.String(),
		Paused:        q.paused,
		Backlog:       q.backlog.Len(),
		Running:       q.running.Len(),
		Load:          float64(q.backlog.Len()+q.running.Len()) / float64(q.parallelism),
		Utilization:   float64(q.running.Len()) / float64(q.parallelism),
		JobsAdmitted:  q.admitted,
		JobsDiscarded: q.discarded,
		JobsDone:      q.jobsDone,
		JobsFailed:    q.jobsFailed,
		WorkDone:      q.workDone,
		WorkFailed:    q.workFailed,
	}
	if q.gate != nil {
		q.gate.fill(&s, q.running)
	}
	return s
}

func (q *Queue) publish(kind EventKind, j *Job, err error) {
	bus := q.opts.bus
	if bus == nil {
		return
	}
	ev := JobEvent{Queue: q.name}
	if j != nil {
		ev.ID = j.id
		ev.Name = j.name
		ev.Cost = j.Cost()
		ev.Duration = j.RunDuration().Milliseconds()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	bus.Publish(eventbus.Event{Type: string(kind), Source: q.name, Data: ev})
}

func (q *Queue) listenerPanic(kind EventKind) func(any) {
	return func(r any) {
		q.log.Error("listener panicked", logx.String("event", string(kind)), logx.Any("panic", r))
	}
}

func (q *Queue) emitIdle() {
	q.onIdle.emit(Event{Kind: EventIdle, Queue: q}, q.listenerPanic(EventIdle))
	q.publish(EventIdle, nil, nil)
}
