// Package app wires the queue daemon: config, logging, queues, triggers,
// history, the status server and systemd notifications.
package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobq/internal/config"
	"jobq/internal/history"
	"jobq/internal/runtime/supervisor"
	"jobq/internal/status"
	"jobq/internal/trigger"
	"jobq/pkg/eventbus"
	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
)

type App struct {
	cfgm  *config.Manager
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store history.Store

	sup    *supervisor.Supervisor
	rec    *history.Recorder
	reg    *Registry
	trig   *trigger.Service
	status *status.Service

	stopOnce sync.Once
	stopErr  error
}

// New loads the config at cfgPath and opens the history store. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.NewService(cfg.Logging.Logx())

	store, err := history.Open(history.Config{
		Driver: cfg.History.Driver,
		Path:   cfg.History.Path,
		Size:   cfg.History.Size,
	}, log.With(logx.String("comp", "history")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("history enabled", logx.String("driver", cfg.History.Driver), logx.Int("size", cfg.History.Size))
	}

	return &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
	}, nil
}

// Queues exposes the queue registry (nil before Start).
func (a *App) Queues() *Registry { return a.reg }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	if a.store != nil {
		a.rec = history.NewRecorder(a.store, 0, a.log.With(logx.String("comp", "history")))
		a.sup.Go("history.recorder", a.rec.Run)
	}

	qlog := a.log.With(logx.String("comp", "queue"))
	a.reg = NewRegistry(qlog, func(name string) []jobqueue.Option {
		return []jobqueue.Option{
			jobqueue.WithLogger(qlog),
			jobqueue.WithBus(a.bus),
			jobqueue.WithSpawner(a.sup.Spawner("queue." + name)),
			jobqueue.WithContext(runCtx),
		}
	}, func(q *jobqueue.Queue) {
		if a.rec != nil {
			a.rec.Attach(q)
		}
	})
	if err := a.reg.Apply(cfg.Queues); err != nil {
		return err
	}

	tlog := a.log.With(logx.String("comp", "trigger"))
	a.trig = trigger.New(tlog)
	if err := a.trig.Apply(definitions(cfg.Triggers, a.reg, tlog)); err != nil {
		return err
	}
	a.trig.Start(runCtx)

	deps := status.Deps{Queues: a.reg, Triggers: a.trig, Health: a.sup.Snapshot}
	if a.rec != nil {
		deps.History = a.rec
	}
	a.status = status.New(statusConfig(cfg), deps, a.log)
	a.status.Start(runCtx)

	// Validate before commit/publish: the trigger set must build as a whole.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		return trigger.New(logx.Nop()).Apply(definitions(next.Triggers, a.reg, logx.Nop()))
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startReloadLoop()
	a.startEventLog()

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log, func() bool { return a.sup.Err() == nil })
	})
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("jobq started", logx.String("config", a.cfgm.Path()), logx.Int("queues", len(cfg.Queues)), logx.Int("triggers", len(cfg.Triggers)))
	return nil
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
}

// apply pushes a reloaded config into the running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.Changes(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("applying config change", fields...)

	for _, s := range sections {
		if s == "history" {
			a.log.Warn("history config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(next.Logging.Logx())
	if err := a.reg.Apply(next.Queues); err != nil {
		a.log.Error("queue reconfiguration failed", logx.Err(err))
	}
	if err := a.trig.Apply(definitions(next.Triggers, a.reg, a.log.With(logx.String("comp", "trigger")))); err != nil {
		a.log.Error("trigger reconfiguration failed", logx.Err(err))
	}
	a.status.Reconfigure(ctx, statusConfig(next))
}

// startEventLog logs mirrored queue events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.String("source", e.Source)}
				if je, ok := e.Data.(jobqueue.JobEvent); ok {
					fields = append(fields, logx.String("job", je.ID), logx.String("name", je.Name))
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

// Stop drains the daemon: triggers stop firing, the status server closes,
// queues are paused and running jobs get the shutdown timeout to finish
// before their context is cancelled.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	sdNotify(a.log, daemon.SdNotifyStopping)
	timeout := config.DurationOr(a.cfgm.Get().Status.ShutdownTimeout, config.DefaultShutdownTimeout)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.trig != nil {
		a.trig.Stop(dctx)
	}
	if a.status != nil {
		a.status.Stop(dctx)
	}
	if a.reg != nil {
		a.reg.Drain(dctx)
	}

	var err error
	if a.sup != nil {
		// Late completions still need a moment to be recorded.
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = a.sup.Stop(sctx)
		scancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.log.Warn("history close failed", logx.Err(cerr))
		}
	}
	a.log.Info("jobq stopped")
	_ = a.logs.Close()
	return err
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled:       cfg.Status.Enabled,
		Addr:          cfg.Status.Addr,
		Token:         cfg.Status.Token,
		AllowInsecure: cfg.Status.AllowInsecure,
		Pprof:         cfg.Status.Pprof,
		ReadTimeout:   config.DurationOr(cfg.Status.ReadTimeout, 10*time.Second),
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
