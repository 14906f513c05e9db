package jobqueue

import (
	"fmt"
	"math"

	"jobq/pkg/container"
)

// CapabilityConfig describes a CapabilityQueue.
//
// Capabilities is the total budget shared by running jobs; every job's Cost
// counts against it. Parallelism 0 means "bounded by capabilities only".
type CapabilityConfig struct {
	Config
	Capabilities   float64
	AllowExclusive bool
}

// CapabilityQueue is a Queue whose dispatch is additionally gated by the sum
// of running job costs.
//
// A job whose cost does not fit the free budget waits at the head of the
// backlog until enough running work completes. Jobs costing at least the
// whole budget are exclusive: they are refused unless AllowExclusive is set,
// and when allowed they start only once nothing else runs.
type CapabilityQueue struct {
	*Queue

	capabilities   float64
	allowExclusive bool
}

// NewCapabilityQueue validates cfg and builds the queue.
func NewCapabilityQueue(cfg CapabilityConfig, opts ...Option) (*CapabilityQueue, error) {
	c := cfg.Capabilities
	if math.IsNaN(c) || math.IsInf(c, 0) || c <= 0 {
		return nil, fmt.Errorf("%w: capabilities must be a finite number > 0, got %v", ErrInvalidConfiguration, c)
	}
	base := cfg.Config
	if base.Parallelism == 0 {
		base.Parallelism = math.MaxInt32
	}
	if err := base.validate(); err != nil {
		return nil, err
	}

	cq := &CapabilityQueue{
		Queue:          newQueue(base, opts),
		capabilities:   c,
		allowExclusive: cfg.AllowExclusive,
	}
	cq.gate = cq
	return cq, nil
}

func (cq *CapabilityQueue) Capabilities() float64 { return cq.capabilities }

func (cq *CapabilityQueue) AllowExclusive() bool { return cq.allowExclusive }

// CapabilitiesUsed is the summed cost of running jobs.
func (cq *CapabilityQueue) CapabilitiesUsed() float64 {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return usedCost(cq.running)
}

// CapabilitiesFree is the budget left for new jobs, never negative.
func (cq *CapabilityQueue) CapabilitiesFree() float64 {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.free(cq.running)
}

// AddWithCost wraps fn into a Job with the given cost and admits it.
func (cq *CapabilityQueue) AddWithCost(fn Producer, cost float64, opts ...JobOption) (*Job, error) {
	opts = append([]JobOption{WithCost(cost)}, opts...)
	return cq.Add(fn, opts...)
}

func (cq *CapabilityQueue) admit(j *Job) error {
	cost := j.Cost()
	if cost <= 0 {
		return fmt.Errorf("%w: %v", ErrCostRequired, j)
	}
	if cost >= cq.capabilities && !cq.allowExclusive {
		return fmt.Errorf("%w: %v costs %v of %v", ErrExclusiveJobNotAllowed, j, cost, cq.capabilities)
	}
	return nil
}

// ready lets head through when it fits the free budget, or when nothing runs
// at all (which is how exclusive jobs get their turn).
func (cq *CapabilityQueue) ready(head *Job, running *container.Bag[*Job]) bool {
	if running.Empty() {
		return true
	}
	return head.Cost() <= cq.free(running)
}

func (cq *CapabilityQueue) fill(s *Snapshot, running *container.Bag[*Job]) {
	s.Capabilities = cq.capabilities
	s.CapabilitiesFree = cq.free(running)
	s.AllowExclusive = cq.allowExclusive
}

func (cq *CapabilityQueue) free(running *container.Bag[*Job]) float64 {
	return math.Max(0, cq.capabilities-usedCost(running))
}

func usedCost(running *container.Bag[*Job]) float64 {
	var sum float64
	for _, j := range running.Items() {
		sum += j.Cost()
	}
	return sum
}
