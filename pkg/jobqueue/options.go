package jobqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobq/pkg/eventbus"
	logx "jobq/pkg/logx"
)

// CapacityPolicy decides what AddJob does once backlog+running reaches Capacity.
type CapacityPolicy int

const (
	// CapacityIgnore admits regardless of Capacity.
	CapacityIgnore CapacityPolicy = iota
	// CapacityDiscard silently drops the job.
	CapacityDiscard
	// CapacityReject fails AddJob with ErrCapacityExceeded.
	CapacityReject
)

func (p CapacityPolicy) String() string {
	switch p {
	case CapacityIgnore:
		return "ignore"
	case CapacityDiscard:
		return "discard"
	case CapacityReject:
		return "reject"
	default:
		return fmt.Sprintf("CapacityPolicy(%d)", int(p))
	}
}

func (p CapacityPolicy) valid() bool {
	return p == CapacityIgnore || p == CapacityDiscard || p == CapacityReject
}

// ParseCapacityPolicy accepts "ignore", "discard" or "reject" (empty means ignore).
func ParseCapacityPolicy(s string) (CapacityPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore":
		return CapacityIgnore, nil
	case "discard", "drop":
		return CapacityDiscard, nil
	case "reject":
		return CapacityReject, nil
	default:
		return CapacityIgnore, fmt.Errorf("%w: unknown capacity policy %q", ErrInvalidConfiguration, s)
	}
}

// Config describes a Queue.
//
// Parallelism must be >= 1. Capacity 0 means unbounded; Capacity is only
// enforced when Policy is not CapacityIgnore.
type Config struct {
	Name        string
	Parallelism int
	Capacity    int
	Policy      CapacityPolicy
}

func (c Config) validate() error {
	if c.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be >= 1, got %d", ErrInvalidConfiguration, c.Parallelism)
	}
	if c.Capacity < 0 {
		return fmt.Errorf("%w: capacity must be >= 0, got %d", ErrInvalidConfiguration, c.Capacity)
	}
	if !c.Policy.valid() {
		return fmt.Errorf("%w: invalid capacity policy %v", ErrInvalidConfiguration, c.Policy)
	}
	return nil
}

// Spawner lets callers own the goroutines a queue creates (dispatch passes
// and job executions). When not set, the queue uses plain `go`.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }

var goSpawner = SpawnerFunc(func(_ string, fn func()) { go fn() })

const defaultSlowAfter = 750 * time.Millisecond

type options struct {
	log       logx.Logger
	bus       eventbus.Bus
	spawner   Spawner
	ctx       context.Context
	slowAfter time.Duration
}

// Option customizes a Queue.
type Option func(*options)

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus mirrors lifecycle notifications onto bus as JobEvent payloads.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithSpawner(s Spawner) Option { return func(o *options) { o.spawner = s } }

// WithContext sets the context handed to producers of dispatched jobs.
// Cancelling it is visible to producers but the queue itself never aborts a job.
func WithContext(ctx context.Context) Option { return func(o *options) { o.ctx = ctx } }

// WithSlowThreshold sets the run duration from which completions log at info.
func WithSlowThreshold(d time.Duration) Option { return func(o *options) { o.slowAfter = d } }

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.spawner == nil {
		o.spawner = goSpawner
	}
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	if o.slowAfter <= 0 {
		o.slowAfter = defaultSlowAfter
	}
	return o
}
