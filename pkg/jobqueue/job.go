package jobqueue

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Producer is the unit of work a Job wraps. It must report failure through
// its error; a panic is treated as a contract violation.
type Producer func(ctx context.Context) (any, error)

// Job is a single-use wrapper around one Producer.
//
// Lifecycle: created -> running -> done | failed. The terminal state never
// changes afterwards, and done and failed are never both true.
type Job struct {
	id      string
	name    string
	fn      Producer
	created time.Time
	future  *Deferred

	mu       sync.Mutex
	started  time.Time
	stopped  time.Time
	running  bool
	done     bool
	failed   bool
	queued   bool // admitted to a queue; cost is frozen
	result   any
	err      error
	cost     float64
	progress Progress

	onRun    listeners[*Job]
	onDone   listeners[*Job]
	onFailed listeners[*Job]
}

// JobOption configures a Job at construction.
type JobOption func(*Job) error

// WithName labels the job in logs, events and history.
func WithName(name string) JobOption {
	return func(j *Job) error {
		j.name = strings.TrimSpace(name)
		return nil
	}
}

// WithCost sets the job's cost; it must be finite and > 0.
func WithCost(cost float64) JobOption {
	return func(j *Job) error { return j.SetCost(cost) }
}

// WithProgress sets the sink that receives streamed progress chunks.
func WithProgress(p Progress) JobOption {
	return func(j *Job) error {
		j.SetProgress(p)
		return nil
	}
}

// NewJob wraps fn. It fails with ErrInvalidProducer when fn is nil.
func NewJob(fn Producer, opts ...JobOption) (*Job, error) {
	if fn == nil {
		return nil, ErrInvalidProducer
	}
	j := &Job{
		id:      uuid.NewString(),
		fn:      fn,
		created: time.Now(),
		future:  NewDeferred(),
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(j); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// FromFunc wraps a function that takes no context; its return value becomes
// the job result.
func FromFunc(fn func() (any, error), opts ...JobOption) (*Job, error) {
	if fn == nil {
		return nil, ErrInvalidProducer
	}
	return NewJob(func(context.Context) (any, error) { return fn() }, opts...)
}

// NewTypedJob wraps a producer with a concrete result type.
// Use Await to read the result back with that type.
func NewTypedJob[T any](fn func(ctx context.Context) (T, error), opts ...JobOption) (*Job, error) {
	if fn == nil {
		return nil, ErrInvalidProducer
	}
	return NewJob(func(ctx context.Context) (any, error) { return fn(ctx) }, opts...)
}

// FromValueFunc is FromFunc for a typed, context-free function.
func FromValueFunc[T any](fn func() (T, error), opts ...JobOption) (*Job, error) {
	if fn == nil {
		return nil, ErrInvalidProducer
	}
	return NewJob(func(context.Context) (any, error) { return fn() }, opts...)
}

// FromStreamer builds a job around a Streamer. Every chunk is forwarded to the
// job's progress sink (if any, at the time the chunk arrives); the terminal
// outcome becomes the job's result or error.
func FromStreamer(s Streamer, opts ...JobOption) (*Job, error) {
	if s == nil {
		return nil, ErrInvalidProducer
	}
	var j *Job
	j, err := NewJob(func(ctx context.Context) (any, error) {
		return s.Stream(ctx, func(chunk any) {
			if p := j.Progress(); p != nil {
				p.Report(chunk)
			}
		})
	}, opts...)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Await waits for j and converts its result to T.
func Await[T any](ctx context.Context, j *Job) (T, error) {
	var zero T
	v, err := j.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("jobqueue: job %s result is %T, not %T", j.id, v, zero)
	}
	return out, nil
}

func (j *Job) ID() string         { return j.id }
func (j *Job) Name() string       { return j.name }
func (j *Job) Created() time.Time { return j.created }

func (j *Job) label() string {
	if j.name != "" {
		return j.name
	}
	return j.id
}

func (j *Job) String() string { return "job(" + j.label() + ")" }

// StartTime fails with ErrNotStarted until the job has been run.
func (j *Job) StartTime() (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started.IsZero() {
		return time.Time{}, ErrNotStarted
	}
	return j.started, nil
}

// StopTime fails with ErrNotStopped until the run concluded.
func (j *Job) StopTime() (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped.IsZero() {
		return time.Time{}, ErrNotStopped
	}
	return j.stopped, nil
}

// RunDuration is 0 before start, then start..stop (or start..now while running).
func (j *Job) RunDuration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started.IsZero() {
		return 0
	}
	if j.stopped.IsZero() {
		return time.Since(j.started)
	}
	return j.stopped.Sub(j.started)
}

func (j *Job) IsStarted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.started.IsZero()
}

func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) IsDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

func (j *Job) IsFailed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Result returns the producer's value; ErrNotDone unless the job is done.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.done {
		return nil, ErrNotDone
	}
	return j.result, nil
}

// Err returns the job's *JobError once failed, nil otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cost returns the declared cost, 0 when unset.
func (j *Job) Cost() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cost
}

func (j *Job) HasCost() bool { return j.Cost() > 0 }

// SetCost declares the job's cost. Only finite values > 0 are accepted, and
// only while the job is neither started nor waiting in a queue.
func (j *Job) SetCost(cost float64) error {
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost <= 0 {
		return fmt.Errorf("%w: cost must be a finite number > 0, got %v", ErrInvalidConfiguration, cost)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.mutableLocked(); err != nil {
		return err
	}
	j.cost = cost
	return nil
}

// ClearCost explicitly unsets the cost.
func (j *Job) ClearCost() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.mutableLocked(); err != nil {
		return err
	}
	j.cost = 0
	return nil
}

func (j *Job) mutableLocked() error {
	if !j.started.IsZero() {
		return ErrAlreadyStarted
	}
	if j.queued {
		return fmt.Errorf("%w: cost is fixed once admitted", ErrJobQueued)
	}
	return nil
}

// claim marks j as admitted to a queue. A job belongs to at most one queue
// and cannot be claimed once started.
func (j *Job) claim() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started.IsZero() {
		return ErrAlreadyStarted
	}
	if j.queued {
		return ErrJobQueued
	}
	j.queued = true
	return nil
}

// unclaim hands a job that left the backlog unstarted back to its owner.
func (j *Job) unclaim() {
	j.mu.Lock()
	j.queued = false
	j.mu.Unlock()
}

// weight is the job's share in cost-weighted counters.
func (j *Job) weight() float64 {
	if c := j.Cost(); c > 0 {
		return c
	}
	return 1
}

func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

func (j *Job) SetProgress(p Progress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

// Done is closed once the job reached a terminal state.
func (j *Job) Done() <-chan struct{} { return j.future.Done() }

// Wait blocks until the job concludes (or ctx is done) and returns its
// result or *JobError. Waiting does not start the job.
func (j *Job) Wait(ctx context.Context) (any, error) { return j.future.Wait(ctx) }

// OnRun registers fn to be called when the job starts running.
func (j *Job) OnRun(fn func(*Job)) (unsubscribe func()) { return j.onRun.add(fn) }

// OnDone registers fn to be called after the job succeeded.
func (j *Job) OnDone(fn func(*Job)) (unsubscribe func()) { return j.onDone.add(fn) }

// OnFailed registers fn to be called after the job failed.
func (j *Job) OnFailed(fn func(*Job)) (unsubscribe func()) { return j.onFailed.add(fn) }

// Run executes the job on the calling goroutine and returns its outcome.
// A job runs at most once; later calls fail with ErrAlreadyStarted.
func (j *Job) Run(ctx context.Context) (any, error) {
	if err := j.begin(); err != nil {
		return nil, err
	}
	return j.execute(ctx)
}

// begin stamps the start and flips the running flag.
func (j *Job) begin() error {
	j.mu.Lock()
	if !j.started.IsZero() {
		j.mu.Unlock()
		return ErrAlreadyStarted
	}
	j.started = time.Now()
	j.running = true
	j.mu.Unlock()

	j.onRun.emit(j, nil)
	return nil
}

// execute runs the producer of a job that already went through begin.
func (j *Job) execute(ctx context.Context) (v any, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		// Finaliser: runs on both paths, before any notification.
		j.mu.Lock()
		j.running = false
		j.stopped = time.Now()
		if err == nil {
			j.done = true
			j.result = v
		} else {
			j.failed = true
			j.err = err
		}
		j.mu.Unlock()

		if err == nil {
			j.future.Resolve(v)
			j.onDone.emit(j, nil)
		} else {
			j.future.Reject(err)
			j.onFailed.emit(j, nil)
		}
	}()

	v, kind, cause := j.invoke(ctx)
	if cause != nil {
		return nil, &JobError{JobID: j.id, Name: j.name, Kind: kind, Err: cause}
	}
	return v, nil
}

// invoke calls the producer, converting a panic into a contract violation.
func (j *Job) invoke(ctx context.Context) (v any, kind error, cause error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			kind = ErrProducerContract
			cause = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	v, err := j.fn(ctx)
	if err != nil {
		return nil, ErrProducerFailure, err
	}
	return v, nil, nil
}
