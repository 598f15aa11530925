// Package app wires the orchestration components together and owns their
// lifecycle: config, logging, storage, executor, scheduler, and the
// workflow engine.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/observability/debug"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/storage"
	"taskpilot/internal/task/executor"
	"taskpilot/internal/task/handlers"
	"taskpilot/internal/task/queue"
	"taskpilot/internal/task/registry"
	"taskpilot/internal/task/scheduler"
	"taskpilot/internal/workflow/engine"
	logx "taskpilot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg   *registry.Registry
	q     *queue.Queue
	exec  *executor.Service
	sched *scheduler.Service
	wf    *engine.Service
	dbg   *debug.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	reg := registry.New()
	handlers.RegisterBuiltin(reg, log.With(logx.String("comp", "notify")), bus)

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New()
	execSvc := executor.New(execCfg, store, reg, q, log.With(logx.String("comp", "executor")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, store, execSvc, log.With(logx.String("comp", "scheduler")), bus)

	wfCfg, err := mapWorkflowConfig(cfg)
	if err != nil {
		return nil, err
	}
	wfSvc := engine.New(wfCfg, store, execSvc, log.With(logx.String("comp", "workflow")), bus)

	dbgSvc := debug.New(mapDebugConfig(cfg), log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		q:       q,
		exec:    execSvc,
		sched:   schedSvc,
		wf:      wfSvc,
		dbg:     dbgSvc,
	}, nil
}

// Component accessors for the operational surface (CLI, diagnostics).
func (a *App) Executor() *executor.Service   { return a.exec }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Workflows() *engine.Service    { return a.wf }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Registry() *registry.Registry  { return a.reg }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Component mappings double as deep validation of a reload candidate.
		if _, err := mapExecutorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWorkflowConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	// Recover persisted state before anything starts producing work: the
	// queue is rebuilt from queued rows, then workers start, then in-flight
	// workflow runs resume, then the scheduler may create new fires.
	if err := a.exec.RebuildQueue(a.sup.Context()); err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}
	a.exec.Start(a.sup.Context())
	a.wf.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.dbg.SetStatusFunc(a.statusSnapshot)
	if a.dbg.Enabled() {
		if err := a.dbg.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug server not started", logx.Err(err))
		}
	}

	// Debug-level event mirror for observability.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// statusSnapshot backs the debug server's /statusz endpoint.
func (a *App) statusSnapshot() any {
	out := map[string]any{
		"executor":  a.exec.Snapshot(),
		"queue":     a.q.Stats(),
		"scheduler": a.sched.Snapshot(),
		"workflow":  a.wf.Snapshot(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Counters()
	}
	return out
}

// applyReload applies a validated config change to the running components.
// Logging and the scheduler apply live; storage, executor, and workflow
// changes need a restart.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "scheduler":
			schedCfg, err := mapSchedulerConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			a.sched.Apply(schedCfg)
			if schedCfg.Enabled {
				a.sched.Start(ctx)
			} else {
				a.log.Info("scheduler disabled via config")
			}
		case "debug":
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.dbg.Stop(stopCtx)
			cancel()
			a.dbg.Apply(mapDebugConfig(newCfg))
			if newCfg.Debug.Enabled {
				if err := a.dbg.Start(ctx); err != nil {
					a.log.Warn("debug server not restarted", logx.Err(err))
				}
			} else {
				a.log.Info("debug server disabled via config")
			}
		case "storage", "executor", "workflow":
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// New work sources stop first, then the pools drain, then storage closes.
	step("debug", time.Second, func(c context.Context) error { return a.dbg.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("workflow", 5*time.Second, func(c context.Context) error { a.wf.Stop(c); return nil })
	step("executor", 5*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
