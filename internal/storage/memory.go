package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/workflow"
)

// memStore keeps everything in mutex-guarded maps.
//
// Reads and writes deep-copy entities at the boundary so callers can never
// mutate stored state through a shared map.
type memStore struct {
	mu sync.Mutex

	tasks     map[string]*task.Task
	execs     map[string]*task.Execution
	workflows map[string]*workflow.Workflow
	wfExecs   map[string]*workflow.Execution
	steps     map[string]*workflow.StepExecution
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{
		tasks:     map[string]*task.Task{},
		execs:     map[string]*task.Execution{},
		workflows: map[string]*workflow.Workflow{},
		wfExecs:   map[string]*workflow.Execution{},
		steps:     map[string]*workflow.StepExecution{},
	}
}

func (s *memStore) Close() error { return nil }

// ---- tasks ----

func (s *memStore) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Config = t.Config.Clone()
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	cp.Config = t.Config.Clone()
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Config = t.Config.Clone()
	return &cp, nil
}

func (s *memStore) ListTasks(_ context.Context, activeOnly bool) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if activeOnly && !t.Active {
			continue
		}
		cp := *t
		cp.Config = t.Config.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- task executions ----

func (s *memStore) CreateExecution(_ context.Context, e *task.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[e.ID] = e.Clone()
	return nil
}

func (s *memStore) UpdateExecution(_ context.Context, e *task.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execs[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return ErrTerminal
	}
	s.execs[e.ID] = e.Clone()
	return nil
}

func (s *memStore) GetExecution(_ context.Context, id string) (*task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *memStore) ListExecutions(_ context.Context, f task.ExecutionFilter, p task.Page) ([]*task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Execution, 0, len(s.execs))
	for _, e := range s.execs {
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e.Clone())
	}
	// Newest first, matching the sqlite driver's ORDER BY.
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	return paginate(out, p), nil
}

func (s *memStore) ListQueuedExecutions(_ context.Context) ([]*task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Execution, 0, 8)
	for _, e := range s.execs {
		if e.Status == task.StatusQueued {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

func (s *memStore) ClaimExecution(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != task.StatusQueued {
		return ErrClaimConflict
	}
	e.Status = task.StatusRunning
	e.StartedAt = at
	return nil
}

func (s *memStore) ExecutionExistsForSchedule(_ context.Context, taskID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.TaskID == taskID && !e.ScheduledFor.IsZero() && e.ScheduledFor.Equal(at) {
			return true, nil
		}
	}
	return false, nil
}

// ---- workflows ----

func (s *memStore) CreateWorkflow(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (s *memStore) UpdateWorkflow(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (s *memStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(w), nil
}

// ---- workflow executions ----

func (s *memStore) CreateWorkflowExecution(_ context.Context, e *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wfExecs[e.ID] = cloneWFExec(e)
	return nil
}

func (s *memStore) UpdateWorkflowExecution(_ context.Context, e *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wfExecs[e.ID]; !ok {
		return ErrNotFound
	}
	s.wfExecs[e.ID] = cloneWFExec(e)
	return nil
}

func (s *memStore) GetWorkflowExecution(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.wfExecs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWFExec(e), nil
}

func (s *memStore) ListWorkflowExecutionsByStatus(_ context.Context, st workflow.RunStatus) ([]*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workflow.Execution, 0, 8)
	for _, e := range s.wfExecs {
		if e.Status == st {
			out = append(out, cloneWFExec(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ---- step executions ----

func (s *memStore) CreateStepExecution(_ context.Context, st *workflow.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[st.ID] = cloneStep(st)
	return nil
}

func (s *memStore) UpdateStepExecution(_ context.Context, st *workflow.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; !ok {
		return ErrNotFound
	}
	s.steps[st.ID] = cloneStep(st)
	return nil
}

func (s *memStore) ListStepExecutions(_ context.Context, executionID string) ([]*workflow.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workflow.StepExecution, 0, 8)
	for _, st := range s.steps {
		if st.ExecutionID == executionID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// ---- helpers ----

func paginate[T any](in []T, p task.Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(in) {
			return nil
		}
		in = in[p.Offset:]
	}
	if p.Limit > 0 && len(in) > p.Limit {
		in = in[:p.Limit]
	}
	return in
}

func cloneWorkflow(w *workflow.Workflow) *workflow.Workflow {
	cp := *w
	cp.Steps = make([]workflow.Step, len(w.Steps))
	for i, st := range w.Steps {
		cp.Steps[i] = st
		cp.Steps[i].Config = st.Config.Clone()
	}
	return &cp
}

func cloneWFExec(e *workflow.Execution) *workflow.Execution {
	cp := *e
	cp.Context = e.Context.Clone()
	return &cp
}

func cloneStep(st *workflow.StepExecution) *workflow.StepExecution {
	cp := *st
	if st.Output != nil {
		out := make(map[string]any, len(st.Output))
		for k, v := range st.Output {
			out[k] = v
		}
		cp.Output = out
	}
	return &cp
}
