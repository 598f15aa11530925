package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
	logx "taskpilot/pkg/logx"
)

// idlePoll is a safety net for lost queue wakeups: with N workers racing on
// a single notify tick, the losers re-check the queue on this interval.
const idlePoll = 500 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		e := s.q.Dequeue()
		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-s.q.Notify():
			case <-time.After(idlePoll):
			}
			continue
		}

		atomic.AddInt32(&s.inFlight, 1)
		s.execOne(ctx, stopCh, e)
		atomic.AddInt32(&s.inFlight, -1)
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, e *task.Execution) {
	h, ok := s.reg.Resolve(e.Type)
	if !ok {
		// Type disappeared between submission and execution; treat like a
		// validation failure (never runs, never retried).
		s.finishWithoutRun(ctx, e, (&UnknownTypeError{Type: e.Type}).Error())
		return
	}

	// Validation must fail fast, before the row ever transitions to running.
	if err := h.Validate(e.Config); err != nil {
		s.finishWithoutRun(ctx, e, err.Error())
		return
	}

	// Atomic claim so a crash-recovery requeue can never be double-processed.
	now := time.Now()
	switch err := s.store.ClaimExecution(ctx, e.ID, now); {
	case err == nil:
	case errors.Is(err, storage.ErrClaimConflict), errors.Is(err, storage.ErrNotFound):
		// Lost the race (or the row is gone); not a failure, just move on.
		s.log.Debug("claim lost", logx.String("id", e.ID))
		return
	default:
		// Transient persistence error: put the work back and let a later
		// dequeue retry it.
		s.log.Warn("claim failed, requeueing", logx.String("id", e.ID), logx.Err(err))
		tmr := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			tmr.Stop()
		case <-stopCh:
			tmr.Stop()
		case <-tmr.C:
		}
		s.q.Enqueue(e)
		return
	}

	e.Status = task.StatusRunning
	e.StartedAt = now
	queueDelay := now.Sub(e.QueuedAt)

	s.log.Debug("execution started",
		logx.String("id", e.ID), logx.String("type", e.Type), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionStarted, Data: s.event(e)})
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// Opportunistic progress persistence: latest value wins, writes bounded
	// by the configured interval.
	lim := rate.NewLimiter(rate.Every(cfg.ProgressInterval), 1)
	var latest atomic.Int32
	progress := func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		latest.Store(int32(pct))
		if !lim.Allow() {
			return
		}
		cp := e.Clone()
		cp.Progress = pct
		if err := s.store.UpdateExecution(ctx, cp); err == nil {
			e.Progress = pct
		}
	}

	timeout := cfg.DefaultTimeout
	if d, err := e.Config.Duration("timeout"); err == nil && d > 0 {
		timeout = d
	}

	runCtx, cancel := context.WithCancel(ctx)
	re := &runningExec{cancel: cancel, done: make(chan struct{})}
	s.runMu.Lock()
	s.running[e.ID] = re
	s.runMu.Unlock()

	out, err := s.runHandler(runCtx, h, e.Config, progress, timeout)

	s.runMu.Lock()
	delete(s.running, e.ID)
	s.runMu.Unlock()
	cancel()

	finished := time.Now()
	e.CompletedAt = finished
	e.Duration = finished.Sub(e.StartedAt)
	e.Progress = int(latest.Load())

	eventType := eventbus.TypeExecutionSucceeded
	switch {
	case re.cancelReq.Load():
		e.Status = task.StatusCancelled
		if err != nil && !errors.Is(err, context.Canceled) {
			e.Error = err.Error()
		}
		eventType = eventbus.TypeExecutionCancelled
		s.log.Info("execution cancelled", logx.String("id", e.ID), logx.Duration("dur", e.Duration))
	case err != nil:
		e.Status = task.StatusFailed
		e.Error = err.Error()
		eventType = eventbus.TypeExecutionFailed
		s.log.Warn("execution failed",
			logx.String("id", e.ID), logx.String("type", e.Type), logx.Err(err), logx.Duration("dur", e.Duration))
	default:
		e.Status = task.StatusSucceeded
		e.Output = out
		e.Progress = 100
		s.log.Info("execution succeeded",
			logx.String("id", e.ID), logx.String("type", e.Type), logx.Duration("dur", e.Duration))
	}

	// The cancel-grace path may have already closed the row; that's fine.
	if uerr := s.store.UpdateExecution(ctx, e); uerr != nil && !errors.Is(uerr, storage.ErrTerminal) {
		s.log.Error("persist execution result", logx.String("id", e.ID), logx.Err(uerr))
	}
	close(re.done)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventType, Data: s.event(e)})
	}
	s.appendHistory(HistoryItem{
		ID: e.ID, Name: e.Name, Type: e.Type, Status: e.Status,
		Started: e.StartedAt, QueueDelay: queueDelay, Duration: e.Duration, Error: e.Error,
	})
}

// finishWithoutRun marks a queued execution failed before it ever ran
// (validation and unknown-type failures).
func (s *Service) finishWithoutRun(ctx context.Context, e *task.Execution, msg string) {
	now := time.Now()
	e.Status = task.StatusFailed
	e.Error = msg
	e.CompletedAt = now
	if err := s.store.UpdateExecution(ctx, e); err != nil && !errors.Is(err, storage.ErrTerminal) {
		s.log.Error("persist validation failure", logx.String("id", e.ID), logx.Err(err))
	}
	s.log.Warn("execution rejected", logx.String("id", e.ID), logx.String("type", e.Type), logx.String("reason", msg))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionFailed, Data: s.event(e)})
	}
	s.appendHistory(HistoryItem{ID: e.ID, Name: e.Name, Type: e.Type, Status: e.Status, Started: now, Error: msg})
}

// Invoke runs a task type synchronously through the same validate/timeout
// path workers use, without touching queue or storage. The workflow engine
// delegates step work here.
func (s *Service) Invoke(ctx context.Context, typ string, cfg task.Config, timeout time.Duration, progress func(int)) (map[string]any, error) {
	h, ok := s.reg.Resolve(typ)
	if !ok {
		return nil, &UnknownTypeError{Type: typ}
	}
	if err := h.Validate(cfg); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	return s.runHandler(ctx, h, cfg, progress, timeout)
}

func (s *Service) runHandler(ctx context.Context, h registry.Handler, cfg task.Config, progress func(int), timeout time.Duration) (out map[string]any, err error) {
	if progress == nil {
		progress = func(int) {}
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Guard against handler panics: one bad handler must not kill a worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		out, err = h.Run(runCtx, registry.RunInput{Config: cfg, Progress: progress})
	}()

	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &TimeoutError{Limit: timeout}
	}
	return out, err
}
