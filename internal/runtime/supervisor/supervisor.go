// Package supervisor owns the daemon's long-lived goroutines.
//
// Every queue gets a Spawner from the supervisor, so dispatch passes and job
// executions are counted, panic-guarded and awaited on shutdown alongside the
// trigger scheduler, the config watcher and the status server.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "jobq/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error

	started atomic.Uint64
	active  atomic.Int64

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	stats statsTable
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  statsTable{groups: map[string]*groupStats{}},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error (or recovered panic) reported by a goroutine.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn on a new goroutine with the supervisor context.
// A panic is recovered and reported like an error; context.Canceled is a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.goGroup(name, name, fn)
}

// Go0 is Go for functions without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) goGroup(group, name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		// Late work after Stop (e.g. a dispatch pass scheduled by a job that
		// finished during drain) still runs, unsupervised.
		s.log.Debug("goroutine started after stop", logx.String("name", name))
		go func() { _ = s.run(group, name, fn) }()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.run(group, name, fn); err != nil {
			s.setErr(err)
		}
	}()
}

// run executes fn once, with stats and panic recovery.
func (s *Supervisor) run(group, name string, fn func(ctx context.Context) error) (err error) {
	s.started.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	startedAt := s.stats.start(group, false)
	defer func() {
		if r := recover(); r != nil {
			s.stats.panicked(group, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
		s.stats.stop(group, startedAt, err)
	}()

	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Spawner returns a spawner whose goroutines are recorded under group.
// It satisfies jobqueue.Spawner.
func (s *Supervisor) Spawner(group string) Spawner {
	return Spawner{s: s, group: group}
}

type Spawner struct {
	s     *Supervisor
	group string
}

func (sp Spawner) Go(name string, fn func()) {
	if fn == nil {
		return
	}
	sp.s.goGroup(sp.group, name, func(context.Context) error {
		fn()
		return nil
	})
}

// Stop cancels the context and waits for supervised goroutines until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
