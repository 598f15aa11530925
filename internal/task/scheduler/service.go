// Package scheduler evaluates the cron schedules of active tasks and
// creates their executions at the right instants.
//
// One scheduler instance runs per deployment. The at-most-one-fire-per-tick
// guard (dedup on the scheduled fire instant) protects against the loop
// overlapping itself, not against multiple concurrent scheduler instances;
// clustering would hook in at the repository layer.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	"taskpilot/internal/task/executor"
	logx "taskpilot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// maxCatchUpFires bounds how many missed fires of one task a single
// evaluation may create (slow host, suspended VM). Older misses are dropped.
const maxCatchUpFires = 3

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	exec  *executor.Service

	parser cron.Parser
	loc    *time.Location

	states map[string]*taskState

	sup    *supervisor.Supervisor
	stopCh chan struct{}
}

func New(cfg Config, store storage.Store, exec *executor.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		store:  store,
		exec:   exec,
		parser: newParser(),
		states: map[string]*taskState{},
	}
}

// Start launches the evaluation loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.loc = s.loadLocationLocked()
	cfg := s.cfg
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	sup := s.sup
	s.mu.Unlock()

	// Restart on panic/error; schedule evaluation is cheap and safe to rerun.
	sup.GoRestart("poll", func(c context.Context) error {
		return s.loop(c)
	}, supervisor.WithPublishFirstError(true))

	s.log.Info("scheduler started",
		logx.Duration("poll_interval", cfg.PollInterval), logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("scheduler stopped")
}

// Apply replaces the scheduler config. It takes effect on the next Start;
// callers restarting for a live change stop the service first.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Enabled reports whether the evaluation loop is configured to run.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) loop(ctx context.Context) error {
	s.mu.Lock()
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Evaluate once right away so restarts don't wait out a full interval.
	s.evaluate(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.evaluate(ctx, now)
		}
	}
}

// evaluate runs one scheduling pass: compute due fires for every active
// scheduled task and create their executions.
//
// Failures are isolated per task; a persistence error just leaves lastEval
// untouched so the affected fires are retried on the next tick.
func (s *Service) evaluate(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListTasks(ctx, true)
	if err != nil {
		s.log.Warn("schedule evaluation: list tasks", logx.Err(err))
		return
	}

	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if loc != nil {
		now = now.In(loc)
	}

	seen := map[string]bool{}
	for _, t := range tasks {
		if strings.TrimSpace(t.Schedule) == "" {
			continue
		}
		seen[t.ID] = true
		s.evaluateTask(ctx, t, now)
	}

	// Forget tasks that were deactivated or lost their schedule.
	s.mu.Lock()
	for id := range s.states {
		if !seen[id] {
			delete(s.states, id)
		}
	}
	s.mu.Unlock()
}

func (s *Service) evaluateTask(ctx context.Context, t *task.Task, now time.Time) {
	s.mu.Lock()
	st := s.states[t.ID]
	if st == nil || st.rawSpec != t.Schedule {
		st = &taskState{name: t.Name, rawSpec: t.Schedule, lastEval: now}
		spec, err := normalizeSchedule(t.Schedule)
		if err == nil {
			st.sched, err = s.parser.Parse(spec)
		}
		if err != nil {
			st.bad = true
			st.badErr = err.Error()
		}
		s.states[t.ID] = st
		s.mu.Unlock()

		if st.bad {
			// Surface once per spec value; other tasks are unaffected.
			s.log.Error("malformed schedule, task skipped",
				logx.String("task", t.ID), logx.String("spec", t.Schedule), logx.String("reason", st.badErr))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{
					Type: eventbus.TypeScheduleError,
					Data: ScheduleErrorEvent{TaskID: t.ID, Spec: t.Schedule, Error: st.badErr},
				})
			}
		}
		return
	}
	s.mu.Unlock()

	if st.bad {
		return
	}

	// Collect fires due since the last successful evaluation.
	fires := make([]time.Time, 0, 1)
	next := st.sched.Next(st.lastEval)
	for !next.IsZero() && !next.After(now) {
		fires = append(fires, next)
		next = st.sched.Next(next)
	}
	if len(fires) == 0 {
		s.setLastEval(t.ID, now)
		return
	}
	if len(fires) > maxCatchUpFires {
		s.log.Warn("dropping missed fires",
			logx.String("task", t.ID), logx.Int("dropped", len(fires)-maxCatchUpFires))
		fires = fires[len(fires)-maxCatchUpFires:]
	}

	for _, fireAt := range fires {
		// Second granularity keeps sub-minute specs (seconds field, short
		// @every intervals) firing at each instant the spec names.
		scheduledFor := fireAt.Truncate(time.Second)

		// At most one fire per (task, scheduled instant), even if this loop
		// iteration overlaps its own polling interval.
		exists, err := s.store.ExecutionExistsForSchedule(ctx, t.ID, scheduledFor)
		if err != nil {
			s.log.Warn("schedule dedup check failed, retrying next tick",
				logx.String("task", t.ID), logx.Err(err))
			return // lastEval untouched: this fire is re-attempted next tick
		}
		if exists {
			continue
		}

		if _, err := s.exec.SubmitScheduled(ctx, t, scheduledFor); err != nil {
			s.log.Warn("scheduled fire failed, retrying next tick",
				logx.String("task", t.ID), logx.Time("at", scheduledFor), logx.Err(err))
			return
		}
		s.log.Debug("task fired",
			logx.String("task", t.ID), logx.String("name", t.Name), logx.Time("at", scheduledFor))
	}

	s.setLastEval(t.ID, now)
}

func (s *Service) setLastEval(taskID string, at time.Time) {
	s.mu.Lock()
	if st := s.states[taskID]; st != nil {
		st.lastEval = at
	}
	s.mu.Unlock()
}

// Snapshot lists the schedule state of every tracked task.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.loc != nil {
		now = now.In(s.loc)
	}
	out := make([]ScheduleInfo, 0, len(s.states))
	for id, st := range s.states {
		info := ScheduleInfo{TaskID: id, Name: st.name, Spec: st.rawSpec, Error: st.badErr}
		if !st.bad && st.sched != nil {
			info.NextFire = st.sched.Next(now)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
