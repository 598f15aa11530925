// Package executor dispatches queued task executions to their registered
// handlers, bounded by a worker concurrency limit.
//
// The executor never retries on its own: retry policy belongs to the calling
// context (a workflow step's budget, or a scheduled task's next fire).
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	"taskpilot/internal/task/queue"
	"taskpilot/internal/task/registry"
	logx "taskpilot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.Registry
	q     *queue.Queue

	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight int32

	// running tracks cancellation handles for in-flight executions.
	runMu   sync.Mutex
	running map[string]*runningExec

	hmu     sync.Mutex
	history []HistoryItem
}

type runningExec struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelReq atomic.Bool
}

func New(cfg Config, store storage.Store, reg *registry.Registry, q *queue.Queue, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		store:   store,
		reg:     reg,
		q:       q,
		running: map[string]*runningExec{},
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "executor"))),
		// One bad execution must never take down the pool.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			supervisor.WithPublishFirstError(true),
		)
	}

	s.log.Info("executor started", logx.Int("workers", cfg.Workers))
}

// Stop drains the pool. Running handlers get ctx cancellation; Stop returns
// once workers exit or ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("executor stopped")
	case <-ctx.Done():
		s.log.Warn("executor stop timed out", logx.Err(ctx.Err()))
	}
}

// ---- submission ----

// Submit creates and enqueues an execution for a stored task definition.
// Overrides are merged onto the task's config snapshot (last-write-wins).
func (s *Service) Submit(ctx context.Context, taskID string, overrides task.Config) (*task.Execution, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, ErrTaskInactive
	}
	e := s.newExecution(t.ID, t.Name, t.Type, t.Config.Merge(overrides), t.Priority, time.Time{})
	return s.dispatch(ctx, e)
}

// SubmitAdHoc creates and enqueues a one-shot execution not backed by a
// task definition.
func (s *Service) SubmitAdHoc(ctx context.Context, typ string, cfg task.Config, prio task.Priority) (*task.Execution, error) {
	typ = strings.TrimSpace(typ)
	if prio == "" {
		prio = task.PriorityMedium
	}
	e := s.newExecution("", "adhoc."+typ, typ, cfg.Clone(), prio, time.Time{})
	return s.dispatch(ctx, e)
}

// SubmitScheduled creates the execution for one cron fire of a task.
// The scheduler has already deduplicated on (task, scheduledFor).
func (s *Service) SubmitScheduled(ctx context.Context, t *task.Task, scheduledFor time.Time) (*task.Execution, error) {
	e := s.newExecution(t.ID, t.Name, t.Type, t.Config.Clone(), t.Priority, scheduledFor)
	return s.dispatch(ctx, e)
}

func (s *Service) newExecution(taskID, name, typ string, cfg task.Config, prio task.Priority, scheduledFor time.Time) *task.Execution {
	return &task.Execution{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		Name:         name,
		Type:         typ,
		Config:       cfg,
		Status:       task.StatusQueued,
		Priority:     prio,
		ScheduledFor: scheduledFor,
		QueuedAt:     time.Now(),
	}
}

// dispatch persists the execution first, then enqueues it. The persisted
// queued row is what makes the in-memory queue reconstructible after a crash.
func (s *Service) dispatch(ctx context.Context, e *task.Execution) (*task.Execution, error) {
	if _, ok := s.reg.Resolve(e.Type); !ok {
		return nil, &UnknownTypeError{Type: e.Type}
	}

	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	// Submissions before Start are accepted; workers drain the queue once
	// Start runs. Only an in-progress Stop rejects new work.
	if stopping {
		return nil, ErrStopping
	}

	if err := s.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}
	s.q.Enqueue(e.Clone())

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionQueued, Data: s.event(e)})
	}
	s.log.Debug("execution queued",
		logx.String("id", e.ID), logx.String("type", e.Type), logx.String("priority", string(e.Priority)))
	return e.Clone(), nil
}

// ---- queries ----

func (s *Service) Get(ctx context.Context, id string) (*task.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

func (s *Service) List(ctx context.Context, f task.ExecutionFilter, p task.Page) ([]*task.Execution, error) {
	return s.store.ListExecutions(ctx, f, p)
}

func (s *Service) QueueStats() queue.Stats { return s.q.Stats() }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:        cfg.Workers,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Queue:          s.q.Stats(),
		DefaultTimeout: cfg.DefaultTimeout,
		CancelGrace:    cfg.CancelGrace,
		History:        h,
	}
}

// ---- cancellation ----

// Cancel cancels an execution.
//
// Queued executions are removed from the queue and marked cancelled without
// ever transitioning through running. Running executions get a cooperative
// cancellation signal; if the handler does not return within the grace
// period, the row is marked cancelled anyway.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	// Queued path: winning the queue removal means no worker will run it.
	if s.q.Remove(id) {
		e, err := s.store.GetExecution(ctx, id)
		if err != nil {
			s.log.Warn("cancel: load queued execution", logx.String("id", id), logx.Err(err))
			return false
		}
		now := time.Now()
		e.Status = task.StatusCancelled
		e.CompletedAt = now
		if err := s.store.UpdateExecution(ctx, e); err != nil && !errors.Is(err, storage.ErrTerminal) {
			s.log.Warn("cancel: persist queued execution", logx.String("id", id), logx.Err(err))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionCancelled, Data: s.event(e)})
		}
		s.log.Info("execution cancelled (queued)", logx.String("id", id))
		return true
	}

	// Running path.
	s.runMu.Lock()
	re := s.running[id]
	s.runMu.Unlock()
	if re == nil {
		return false
	}
	re.cancelReq.Store(true)
	re.cancel()

	s.mu.Lock()
	grace := s.cfg.CancelGrace
	s.mu.Unlock()

	select {
	case <-re.done:
		// Worker persisted the cancelled status.
	case <-time.After(grace):
		// Handler did not acknowledge in time; mark the row ourselves. The
		// worker's later update will hit ErrTerminal and be ignored.
		e, err := s.store.GetExecution(ctx, id)
		if err == nil && !e.Status.Terminal() {
			e.Status = task.StatusCancelled
			e.Error = "cancellation grace period exceeded"
			e.CompletedAt = time.Now()
			if err := s.store.UpdateExecution(ctx, e); err != nil && !errors.Is(err, storage.ErrTerminal) {
				s.log.Warn("cancel: persist running execution", logx.String("id", id), logx.Err(err))
			}
		}
		s.log.Warn("execution cancel grace exceeded", logx.String("id", id))
	}
	return true
}

// ---- recovery ----

// RebuildQueue repopulates the in-memory queue from persisted queued rows.
// Called once on process start; band-internal FIFO order follows the
// original queued-at order.
func (s *Service) RebuildQueue(ctx context.Context) error {
	execs, err := s.store.ListQueuedExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list queued executions: %w", err)
	}
	for _, e := range execs {
		s.q.Enqueue(e)
	}
	if len(execs) > 0 {
		s.log.Info("queue rebuilt from store", logx.Int("executions", len(execs)))
	}
	return nil
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	max := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - max; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

func (s *Service) event(e *task.Execution) ExecutionEvent {
	ev := ExecutionEvent{
		ID:     e.ID,
		TaskID: e.TaskID,
		Name:   e.Name,
		Type:   e.Type,
		Status: e.Status,
		Error:  e.Error,
	}
	if !e.StartedAt.IsZero() && !e.QueuedAt.IsZero() {
		ev.QueueDelay = e.StartedAt.Sub(e.QueuedAt)
	}
	ev.Duration = e.Duration
	return ev
}
