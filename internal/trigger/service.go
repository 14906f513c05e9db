// Package trigger fires named definitions on cron or interval schedules.
//
// A trigger only submits work; execution happens in the job queues.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "jobq/pkg/logx"
)

// Definition is one scheduled action. Run is expected to return quickly
// (typically after enqueuing a job).
type Definition struct {
	Name     string
	Schedule string
	Timezone string
	Run      func(ctx context.Context) error
}

// Status is a point-in-time view of one trigger.
type Status struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Kind     string    `json:"kind"`
	Next     time.Time `json:"next,omitzero"`
	LastFire time.Time `json:"last_fire,omitzero"`
	Fires    uint64    `json:"fires"`
	Failures uint64    `json:"failures"`
	LastErr  string    `json:"last_err,omitempty"`
}

type entry struct {
	def   Definition
	spec  Spec
	sched cron.Schedule
	id    cron.EntryID

	fires    uint64
	failures uint64
	lastFire time.Time
	lastErr  string
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	ctx     context.Context
	c       *cron.Cron
	entries map[string]*entry
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		// SecondOptional accepts both 5-field and 6-field (with seconds) specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

func (s *Service) build(def Definition) (Spec, cron.Schedule, error) {
	if strings.TrimSpace(def.Name) == "" {
		return Spec{}, nil, fmt.Errorf("trigger name required")
	}
	if def.Run == nil {
		return Spec{}, nil, fmt.Errorf("trigger %s: nil run func", def.Name)
	}
	spec, err := ParseSchedule(def.Schedule)
	if err != nil {
		return Spec{}, nil, fmt.Errorf("trigger %s: %w", def.Name, err)
	}
	if spec.Kind == KindInterval {
		return spec, cron.Every(spec.Every), nil
	}
	expr := spec.Cron
	if tz := strings.TrimSpace(def.Timezone); tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + tz + " " + expr
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return Spec{}, nil, fmt.Errorf("trigger %s: cron %q: %w", def.Name, spec.Cron, err)
	}
	return spec, sched, nil
}

// Apply replaces the trigger set. Nothing changes when any definition is
// invalid. Counters survive for triggers that keep their name.
func (s *Service) Apply(defs []Definition) error {
	next := make(map[string]*entry, len(defs))
	for _, def := range defs {
		spec, sched, err := s.build(def)
		if err != nil {
			return err
		}
		if _, dup := next[def.Name]; dup {
			return fmt.Errorf("trigger %s: duplicate name", def.Name)
		}
		next[def.Name] = &entry{def: def, spec: spec, sched: sched}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, old := range s.entries {
		if s.c != nil {
			s.c.Remove(old.id)
		}
		if e, ok := next[name]; ok {
			e.fires, e.failures, e.lastFire, e.lastErr = old.fires, old.failures, old.lastFire, old.lastErr
		}
	}
	s.entries = next
	if s.c != nil {
		for _, e := range s.entries {
			s.scheduleLocked(e)
		}
	}
	s.log.Info("triggers applied", logx.Int("count", len(next)))
	return nil
}

func (s *Service) scheduleLocked(e *entry) {
	name := e.def.Name
	e.id = s.c.Schedule(e.sched, cron.FuncJob(func() { s.fire(name, "schedule") }))
}

// Start begins firing triggers. ctx is handed to every Run call.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
		cron.WithLogger(cronLogger{s.log}),
	)
	for _, e := range s.entries {
		s.scheduleLocked(e)
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.Int("triggers", len(s.entries)))
}

// Stop halts scheduling and waits (bounded by ctx) for in-progress fires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// Fire runs the named trigger now, outside its schedule.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s: %w", name, ErrUnknownTrigger)
	}
	return s.fire(name, "manual")
}

func (s *Service) fire(name, reason string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err := e.def.Run(ctx)

	s.mu.Lock()
	e.fires++
	e.lastFire = time.Now()
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("trigger failed", logx.String("trigger", name), logx.String("reason", reason), logx.Err(err))
	} else {
		s.log.Debug("trigger fired", logx.String("trigger", name), logx.String("reason", reason))
	}
	return err
}

// Statuses lists the triggers sorted by name.
func (s *Service) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:     e.def.Name,
			Schedule: e.def.Schedule,
			Kind:     e.spec.Kind.String(),
			LastFire: e.lastFire,
			Fires:    e.fires,
			Failures: e.failures,
			LastErr:  e.lastErr,
		}
		if s.c != nil && e.id != 0 {
			st.Next = s.c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
