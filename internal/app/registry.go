package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"jobq/internal/config"
	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
)

// Registry owns the configured queues by name.
type Registry struct {
	mu      sync.RWMutex
	log     logx.Logger
	opts    func(name string) []jobqueue.Option
	created func(q *jobqueue.Queue)
	queues  map[string]*queueEntry
}

type queueEntry struct {
	cfg config.QueueConfig
	q   *jobqueue.Queue
	cq  *jobqueue.CapabilityQueue // nil for plain queues
}

// NewRegistry returns an empty registry. opts supplies the per-queue options
// (spawner, logger, bus) and created is called once for every new queue.
func NewRegistry(log logx.Logger, opts func(name string) []jobqueue.Option, created func(*jobqueue.Queue)) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts == nil {
		opts = func(string) []jobqueue.Option { return nil }
	}
	if created == nil {
		created = func(*jobqueue.Queue) {}
	}
	return &Registry{log: log, opts: opts, created: created, queues: map[string]*queueEntry{}}
}

func buildQueue(qc config.QueueConfig, opts []jobqueue.Option) (*queueEntry, error) {
	policy, err := jobqueue.ParseCapacityPolicy(qc.Policy)
	if err != nil {
		return nil, err
	}
	if slow := config.DurationOr(qc.SlowThreshold, 0); slow > 0 {
		opts = append(opts, jobqueue.WithSlowThreshold(slow))
	}
	base := jobqueue.Config{Name: qc.Name, Parallelism: qc.Parallelism, Capacity: qc.Capacity, Policy: policy}
	if qc.IsCapability() {
		cq, err := jobqueue.NewCapabilityQueue(jobqueue.CapabilityConfig{
			Config:         base,
			Capabilities:   qc.Capabilities,
			AllowExclusive: qc.AllowExclusive,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return &queueEntry{cfg: qc, q: cq.Queue, cq: cq}, nil
	}
	q, err := jobqueue.New(base, opts...)
	if err != nil {
		return nil, err
	}
	return &queueEntry{cfg: qc, q: q}, nil
}

// Apply reconciles the registry with cfgs. Existing queues are retuned in
// place; a queue whose kind or budget changed keeps its old shape until
// restart. Queues no longer configured are paused, their backlog is dropped
// and they leave the registry once their running jobs are done.
func (r *Registry) Apply(cfgs []config.QueueConfig) error {
	next := make(map[string]*queueEntry, len(cfgs))
	var fresh []*jobqueue.Queue

	r.mu.Lock()
	for _, qc := range cfgs {
		if e, ok := r.queues[qc.Name]; ok {
			if err := r.retune(e, qc); err != nil {
				r.mu.Unlock()
				return fmt.Errorf("queue %s: %w", qc.Name, err)
			}
			next[qc.Name] = e
			continue
		}
		e, err := buildQueue(qc, r.opts(qc.Name))
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("queue %s: %w", qc.Name, err)
		}
		next[qc.Name] = e
		fresh = append(fresh, e.q)
	}
	var removed []*jobqueue.Queue
	for name, e := range r.queues {
		if _, ok := next[name]; !ok {
			removed = append(removed, e.q)
		}
	}
	r.queues = next
	r.mu.Unlock()

	for _, q := range fresh {
		r.created(q)
		r.log.Info("queue created", logx.String("queue", q.Name()), logx.Int("parallelism", q.Parallelism()))
	}
	for _, q := range removed {
		q.Pause()
		dropped := q.ClearBacklog()
		r.log.Warn("queue removed", logx.String("queue", q.Name()), logx.Int("dropped", len(dropped)), logx.Int("running", q.NumRunning()))
	}
	return nil
}

func (r *Registry) retune(e *queueEntry, qc config.QueueConfig) error {
	if qc.IsCapability() != (e.cq != nil) ||
		(e.cq != nil && (qc.Capabilities != e.cq.Capabilities() || qc.AllowExclusive != e.cq.AllowExclusive())) {
		r.log.Warn("queue budget changed; restart required for changes to take effect", logx.String("queue", qc.Name))
	}
	if qc.SlowThreshold != e.cfg.SlowThreshold {
		r.log.Warn("queue slow_threshold changed; restart required for changes to take effect", logx.String("queue", qc.Name))
	}
	policy, err := jobqueue.ParseCapacityPolicy(qc.Policy)
	if err != nil {
		return err
	}
	par := qc.Parallelism
	if par == 0 && e.cq != nil {
		par = math.MaxInt32
	}
	if err := e.q.SetParallelism(par); err != nil {
		return err
	}
	if err := e.q.SetCapacity(qc.Capacity, policy); err != nil {
		return err
	}
	e.cfg = qc
	return nil
}

// Queue returns the named queue.
func (r *Registry) Queue(name string) (*jobqueue.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.queues[name]
	if !ok {
		return nil, false
	}
	return e.q, true
}

// Submit adds j to the named queue. Capability queues need j to carry a cost.
func (r *Registry) Submit(name string, j *jobqueue.Job) error {
	q, ok := r.Queue(name)
	if !ok {
		return fmt.Errorf("unknown queue %q", name)
	}
	return q.AddJob(j)
}

func (r *Registry) all() []*jobqueue.Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*jobqueue.Queue, 0, len(r.queues))
	for _, e := range r.queues {
		out = append(out, e.q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Snapshots lists every queue, sorted by name.
func (r *Registry) Snapshots() []jobqueue.Snapshot {
	qs := r.all()
	out := make([]jobqueue.Snapshot, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Snapshot())
	}
	return out
}

// Drain pauses every queue and waits for running jobs until ctx ends.
// It reports whether everything stopped in time.
func (r *Registry) Drain(ctx context.Context) bool {
	qs := r.all()
	for _, q := range qs {
		q.Pause()
	}
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		busy := 0
		for _, q := range qs {
			busy += q.NumRunning()
		}
		if busy == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			r.log.Warn("queues still running at shutdown", logx.Int("running", busy))
			return false
		case <-t.C:
		}
	}
}
