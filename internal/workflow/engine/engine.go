// Package engine runs workflow executions: ordered steps delegated to the
// task execution path, with per-step retry budgets, optional steps, shared
// run context, and crash-resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	"taskpilot/internal/task/executor"
	"taskpilot/internal/task/registry"
	"taskpilot/internal/workflow"
	logx "taskpilot/pkg/logx"
)

// Invoker is the slice of the task executor the engine needs: synchronous
// validated handler invocation with a timeout bound.
type Invoker interface {
	Invoke(ctx context.Context, typ string, cfg task.Config, timeout time.Duration, progress func(int)) (map[string]any, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	inv   Invoker

	sup    *supervisor.Supervisor
	stopCh chan struct{}

	runMu   sync.Mutex
	running map[string]*runHandle
}

type runHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelReq atomic.Bool
}

func New(cfg Config, store storage.Store, inv Invoker, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		store:   store,
		inv:     inv,
		running: map[string]*runHandle{},
	}
}

// Start makes the engine accept runs and resumes executions that were in
// flight when the previous process died. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "workflow"))))
	s.mu.Unlock()

	s.resume(ctx)
	s.log.Info("workflow engine started")
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
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("workflow engine stop", logx.Err(err))
		}
	}
	s.log.Info("workflow engine stopped")
}

// Run starts one execution of an active workflow. The input map seeds the
// run context shared by all steps. The returned execution is already
// persisted; the steps run asynchronously.
func (s *Service) Run(ctx context.Context, workflowID string, input task.Config) (*workflow.Execution, error) {
	s.mu.Lock()
	sup := s.sup
	maxRuns := s.cfg.MaxConcurrentRuns
	s.mu.Unlock()
	if sup == nil {
		return nil, errors.New("workflow engine not started")
	}
	if maxRuns > 0 {
		s.runMu.Lock()
		n := len(s.running)
		s.runMu.Unlock()
		if n >= maxRuns {
			return nil, ErrBusy
		}
	}

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != workflow.DefinitionActive {
		return nil, ErrNotActive
	}
	if err := validateSteps(wf.Steps); err != nil {
		return nil, err
	}

	exec := &workflow.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     workflow.RunPending,
		Context:    input.Clone(),
	}
	if err := s.store.CreateWorkflowExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist workflow execution: %w", err)
	}

	steps := make([]*workflow.StepExecution, len(wf.Steps))
	for i, def := range wf.Steps {
		steps[i] = &workflow.StepExecution{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			Index:       i,
			Name:        def.Name,
			Status:      workflow.StepPending,
		}
		if err := s.store.CreateStepExecution(ctx, steps[i]); err != nil {
			return nil, fmt.Errorf("persist step execution: %w", err)
		}
	}

	s.launch(sup, wf, exec, steps)
	return cloneExec(exec), nil
}

func validateSteps(steps []workflow.Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	for i, st := range steps {
		if strings.TrimSpace(st.Type) == "" {
			return &StepDefError{Index: i, Name: st.Name, Reason: "type required"}
		}
		if st.MaxAttempts < 0 {
			return &StepDefError{Index: i, Name: st.Name, Reason: "max_attempts must be >= 0"}
		}
		if st.Timeout != "" {
			if d, err := time.ParseDuration(st.Timeout); err != nil || d <= 0 {
				return &StepDefError{Index: i, Name: st.Name, Reason: fmt.Sprintf("invalid timeout %q", st.Timeout)}
			}
		}
	}
	return nil
}

// resume relaunches executions persisted as pending or running.
// A step that was mid-flight at crash time reruns; its attempt counter
// carries over, so the retry budget holds across restarts.
func (s *Service) resume(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}

	var execs []*workflow.Execution
	for _, st := range []workflow.RunStatus{workflow.RunRunning, workflow.RunPending} {
		list, err := s.store.ListWorkflowExecutionsByStatus(ctx, st)
		if err != nil {
			s.log.Warn("resume: list workflow executions", logx.String("status", string(st)), logx.Err(err))
			continue
		}
		execs = append(execs, list...)
	}

	for _, exec := range execs {
		wf, err := s.store.GetWorkflow(ctx, exec.WorkflowID)
		if err != nil {
			s.log.Warn("resume: load workflow", logx.String("execution", exec.ID), logx.Err(err))
			continue
		}
		steps, err := s.store.ListStepExecutions(ctx, exec.ID)
		if err != nil {
			s.log.Warn("resume: load steps", logx.String("execution", exec.ID), logx.Err(err))
			continue
		}
		s.log.Info("resuming workflow execution",
			logx.String("execution", exec.ID), logx.String("workflow", wf.Name))
		s.launch(sup, wf, exec, steps)
	}
}

func (s *Service) launch(sup *supervisor.Supervisor, wf *workflow.Workflow, exec *workflow.Execution, steps []*workflow.StepExecution) {
	runCtx, cancel := context.WithCancel(sup.Context())
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.runMu.Lock()
	s.running[exec.ID] = h
	s.runMu.Unlock()

	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })

	sup.Go0("run."+exec.ID, func(context.Context) {
		defer func() {
			s.runMu.Lock()
			delete(s.running, exec.ID)
			s.runMu.Unlock()
			cancel()
			close(h.done)
		}()
		s.runExecution(runCtx, h, wf, exec, steps)
	})
}

// runExecution drives one workflow run to a terminal state. Every step
// transition is persisted before the next step starts, which is what makes
// resume-after-crash possible.
func (s *Service) runExecution(ctx context.Context, h *runHandle, wf *workflow.Workflow, exec *workflow.Execution, steps []*workflow.StepExecution) {
	// Persistence here uses a background context: a cancelled run must still
	// be able to record its terminal state.
	pctx := context.Background()

	now := time.Now()
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	exec.Status = workflow.RunRunning
	if err := s.store.UpdateWorkflowExecution(pctx, exec); err != nil {
		s.log.Error("persist run start", logx.String("execution", exec.ID), logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowStarted, Data: RunEvent{
			ExecutionID: exec.ID, WorkflowID: wf.ID, Name: wf.Name, Status: string(exec.Status),
		}})
	}
	s.log.Info("workflow run started",
		logx.String("execution", exec.ID), logx.String("workflow", wf.Name), logx.Int("steps", len(steps)))

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var (
		failed    bool
		cancelled bool
		runErr    string
	)

	for _, se := range steps {
		if se.Status.Terminal() {
			continue
		}
		if !cancelled && (h.cancelReq.Load() || ctx.Err() != nil) {
			cancelled = true
		}

		switch {
		case cancelled:
			se.Status = workflow.StepCancelled
			se.CompletedAt = time.Now()
			s.persistStep(pctx, se)
			continue
		case failed:
			se.Status = workflow.StepSkipped
			se.Error = "skipped: earlier required step failed"
			se.CompletedAt = time.Now()
			s.persistStep(pctx, se)
			continue
		}

		if se.Index >= len(wf.Steps) {
			// Definition shrank under a resumed run; nothing to execute.
			se.Status = workflow.StepSkipped
			se.Error = "skipped: step no longer defined"
			se.CompletedAt = time.Now()
			s.persistStep(pctx, se)
			continue
		}
		def := wf.Steps[se.Index]

		stepFailed, stepCancelled := s.runStep(ctx, pctx, h, cfg, exec, se, def)
		if stepCancelled {
			cancelled = true
			continue
		}
		if stepFailed && !def.Optional {
			failed = true
			runErr = fmt.Sprintf("step %q failed: %s", def.Name, se.Error)
		}
	}

	exec.CompletedAt = time.Now()
	switch {
	case cancelled:
		exec.Status = workflow.RunCancelled
	case failed:
		exec.Status = workflow.RunFailed
		exec.Error = runErr
	default:
		exec.Status = workflow.RunSucceeded
	}
	if err := s.store.UpdateWorkflowExecution(pctx, exec); err != nil {
		s.log.Error("persist run result", logx.String("execution", exec.ID), logx.Err(err))
	}

	dur := exec.CompletedAt.Sub(exec.StartedAt)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowFinished, Data: RunEvent{
			ExecutionID: exec.ID, WorkflowID: wf.ID, Name: wf.Name,
			Status: string(exec.Status), Error: exec.Error, Duration: dur,
		}})
	}
	switch exec.Status {
	case workflow.RunSucceeded:
		s.log.Info("workflow run succeeded",
			logx.String("execution", exec.ID), logx.String("workflow", wf.Name), logx.Duration("dur", dur))
	case workflow.RunCancelled:
		s.log.Info("workflow run cancelled",
			logx.String("execution", exec.ID), logx.String("workflow", wf.Name), logx.Duration("dur", dur))
	default:
		s.log.Warn("workflow run failed",
			logx.String("execution", exec.ID), logx.String("workflow", wf.Name),
			logx.String("reason", exec.Error), logx.Duration("dur", dur))
	}
}

// runStep runs one step through its attempt budget. On success the step's
// output is merged into the run context (last-write-wins) and the updated
// context persisted before returning.
func (s *Service) runStep(ctx, pctx context.Context, h *runHandle, cfg Config, exec *workflow.Execution, se *workflow.StepExecution, def workflow.Step) (failed, cancelled bool) {
	timeout := cfg.StepTimeout
	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	// The step sees the shared run context with its own config on top.
	effective := exec.Context.Merge(def.Config)

	budget := 1 + def.MaxAttempts
	for se.Attempts < budget {
		se.Attempts++
		se.Status = workflow.StepRunning
		if se.StartedAt.IsZero() {
			se.StartedAt = time.Now()
		}
		s.persistStep(pctx, se)

		out, err := s.inv.Invoke(ctx, def.Type, effective, timeout, nil)
		if err == nil {
			se.Status = workflow.StepSucceeded
			se.Output = out
			se.Error = ""
			se.CompletedAt = time.Now()
			s.persistStep(pctx, se)

			if len(out) > 0 {
				exec.Context = exec.Context.Merge(task.Config(out))
				if uerr := s.store.UpdateWorkflowExecution(pctx, exec); uerr != nil {
					s.log.Error("persist run context", logx.String("execution", exec.ID), logx.Err(uerr))
				}
			}
			s.log.Debug("step succeeded",
				logx.String("execution", exec.ID), logx.String("step", def.Name), logx.Int("attempts", se.Attempts))
			return false, false
		}

		if h.cancelReq.Load() || ctx.Err() != nil {
			se.Status = workflow.StepCancelled
			if !errors.Is(err, context.Canceled) {
				se.Error = err.Error()
			}
			se.CompletedAt = time.Now()
			s.persistStep(pctx, se)
			return false, true
		}

		se.Error = err.Error()
		// Bad config or an unknown type can't pass on a later attempt.
		var verr *registry.ValidationError
		var uerr *executor.UnknownTypeError
		if IsNoRetry(err) || errors.As(err, &verr) || errors.As(err, &uerr) {
			break
		}
		if se.Attempts < budget {
			delay := retryDelay(se.Attempts, cfg.RetryBackoffMin, cfg.RetryBackoffMax)
			s.log.Warn("step attempt failed, retrying",
				logx.String("execution", exec.ID), logx.String("step", def.Name),
				logx.Int("attempt", se.Attempts), logx.Duration("backoff", delay), logx.Err(err))
			if serr := sleep(ctx, delay); serr != nil {
				se.Status = workflow.StepCancelled
				se.CompletedAt = time.Now()
				s.persistStep(pctx, se)
				return false, true
			}
			continue
		}
	}

	se.Status = workflow.StepFailed
	se.CompletedAt = time.Now()
	s.persistStep(pctx, se)
	s.log.Warn("step failed",
		logx.String("execution", exec.ID), logx.String("step", def.Name),
		logx.Int("attempts", se.Attempts), logx.Bool("optional", def.Optional), logx.String("reason", se.Error))
	return true, false
}

func (s *Service) persistStep(ctx context.Context, se *workflow.StepExecution) {
	if err := s.store.UpdateStepExecution(ctx, se); err != nil {
		s.log.Error("persist step execution",
			logx.String("execution", se.ExecutionID), logx.String("step", se.Name), logx.Err(err))
	}
}

// Cancel requests cancellation of a running workflow execution. It returns
// once the run reaches its terminal state, or immediately with false when no
// such run is in flight.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	s.runMu.Lock()
	h := s.running[id]
	s.runMu.Unlock()
	if h == nil {
		return false
	}
	h.cancelReq.Store(true)
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	return true
}

// Get returns a workflow execution with its step records, steps ordered by
// declared index.
func (s *Service) Get(ctx context.Context, id string) (*workflow.Execution, []*workflow.StepExecution, error) {
	exec, err := s.store.GetWorkflowExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.store.ListStepExecutions(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return exec, steps, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	s.runMu.Lock()
	n := len(s.running)
	s.runMu.Unlock()
	return Snapshot{ActiveRuns: n, StepTimeout: cfg.StepTimeout}
}

func cloneExec(e *workflow.Execution) *workflow.Execution {
	cp := *e
	cp.Context = e.Context.Clone()
	return &cp
}
