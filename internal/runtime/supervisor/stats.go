package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Counters are best-effort operational signals, not a synchronisation primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GroupStats aggregates every goroutine started under one group name
// (a queue's spawner, or a named Go/GoRestart call).
type GroupStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type Snapshot struct {
	Counters   Counters     `json:"counters"`
	FirstError string       `json:"first_error,omitempty"`
	Groups     []GroupStats `json:"groups"`
}

type groupStats struct {
	GroupStats
}

type statsTable struct {
	mu     sync.Mutex
	groups map[string]*groupStats
}

func (t *statsTable) get(name string) *groupStats {
	g := t.groups[name]
	if g == nil {
		g = &groupStats{GroupStats{Name: name}}
		t.groups[name] = g
	}
	return g
}

func (t *statsTable) start(name string, restart bool) time.Time {
	now := time.Now()
	t.mu.Lock()
	g := t.get(name)
	g.Started++
	g.Active++
	if restart {
		g.Restarts++
	}
	g.LastStartAt = now
	t.mu.Unlock()
	return now
}

func (t *statsTable) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	t.mu.Lock()
	g := t.get(name)
	if g.Active > 0 {
		g.Active--
	}
	g.LastStopAt = now
	g.TotalRuntime += now.Sub(startedAt)
	if err != nil {
		g.LastErr = err.Error()
	}
	t.mu.Unlock()
}

func (t *statsTable) panicked(name string, p any) {
	t.mu.Lock()
	g := t.get(name)
	g.Panics++
	g.LastPanic = fmt.Sprint(p)
	t.mu.Unlock()
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists groups with active ones first, then by most recent start.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.stats.mu.Lock()
	gs := make([]GroupStats, 0, len(s.stats.groups))
	for _, g := range s.stats.groups {
		gs = append(gs, g.GroupStats)
	}
	s.stats.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		if !gs[i].LastStartAt.Equal(gs[j].LastStartAt) {
			return gs[i].LastStartAt.After(gs[j].LastStartAt)
		}
		return gs[i].Name < gs[j].Name
	})
	snap.Groups = gs
	return snap
}
