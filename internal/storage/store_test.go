package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/workflow"
	logx "taskpilot/pkg/logx"
)

// storeFactories builds each driver fresh per subtest so the contract tests
// below run against memory and sqlite alike.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			t.Helper()
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			s, err := Open(Config{
				Driver:      "sqlite",
				Path:        filepath.Join(t.TempDir(), "taskpilot.db"),
				BusyTimeout: time.Second,
			}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(sqlite): %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for name, mk := range storeFactories() {
		name, mk := name, mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, mk(t))
		})
	}
}

func queuedExec(id, taskID string, queuedAt time.Time) *task.Execution {
	return &task.Execution{
		ID:       id,
		TaskID:   taskID,
		Name:     "exec " + id,
		Type:     "command",
		Config:   task.Config{"command": "true"},
		Status:   task.StatusQueued,
		Priority: task.PriorityMedium,
		QueuedAt: queuedAt,
	}
}

func TestClaimExecution(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		if err := s.CreateExecution(ctx, queuedExec("e1", "t1", now)); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}

		if err := s.ClaimExecution(ctx, "e1", now); err != nil {
			t.Fatalf("ClaimExecution: %v", err)
		}
		got, err := s.GetExecution(ctx, "e1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != task.StatusRunning {
			t.Fatalf("status after claim = %s, want running", got.Status)
		}
		if got.StartedAt.IsZero() {
			t.Fatal("StartedAt not set by claim")
		}

		if err := s.ClaimExecution(ctx, "e1", now); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("second claim error = %v, want ErrClaimConflict", err)
		}
		if err := s.ClaimExecution(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("claim of missing row error = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateExecutionTerminalGuard(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		e := queuedExec("e1", "t1", now)
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}

		e.Status = task.StatusSucceeded
		e.Progress = 100
		e.CompletedAt = now.Add(time.Second)
		e.Duration = 120 * time.Millisecond
		if err := s.UpdateExecution(ctx, e); err != nil {
			t.Fatalf("UpdateExecution to terminal: %v", err)
		}

		e.Error = "late write"
		if err := s.UpdateExecution(ctx, e); !errors.Is(err, ErrTerminal) {
			t.Fatalf("update of terminal row error = %v, want ErrTerminal", err)
		}
		if err := s.UpdateExecution(ctx, queuedExec("missing", "t1", now)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update of missing row error = %v, want ErrNotFound", err)
		}

		got, err := s.GetExecution(ctx, "e1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Error != "" {
			t.Fatalf("terminal row mutated: error = %q", got.Error)
		}
		if got.Duration != 120*time.Millisecond {
			t.Fatalf("duration = %v, want 120ms", got.Duration)
		}
	})
}

func TestListExecutionsFilterAndPage(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		a := queuedExec("e1", "t1", base)
		b := queuedExec("e2", "t1", base.Add(time.Second))
		b.Status = task.StatusSucceeded
		c := queuedExec("e3", "t2", base.Add(2*time.Second))
		c.Type = "http_check"
		for _, e := range []*task.Execution{a, b, c} {
			if err := s.CreateExecution(ctx, e); err != nil {
				t.Fatalf("CreateExecution(%s): %v", e.ID, err)
			}
		}

		all, err := s.ListExecutions(ctx, task.ExecutionFilter{}, task.Page{})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(all) != 3 || all[0].ID != "e3" || all[2].ID != "e1" {
			t.Fatalf("unfiltered order = %v, want newest first e3..e1", ids(all))
		}

		byTask, err := s.ListExecutions(ctx, task.ExecutionFilter{TaskID: "t1"}, task.Page{})
		if err != nil {
			t.Fatalf("ListExecutions(task): %v", err)
		}
		if len(byTask) != 2 {
			t.Fatalf("task filter returned %v", ids(byTask))
		}

		byStatus, err := s.ListExecutions(ctx, task.ExecutionFilter{Status: task.StatusSucceeded}, task.Page{})
		if err != nil {
			t.Fatalf("ListExecutions(status): %v", err)
		}
		if len(byStatus) != 1 || byStatus[0].ID != "e2" {
			t.Fatalf("status filter returned %v", ids(byStatus))
		}

		byType, err := s.ListExecutions(ctx, task.ExecutionFilter{Type: "http_check"}, task.Page{})
		if err != nil {
			t.Fatalf("ListExecutions(type): %v", err)
		}
		if len(byType) != 1 || byType[0].ID != "e3" {
			t.Fatalf("type filter returned %v", ids(byType))
		}

		page, err := s.ListExecutions(ctx, task.ExecutionFilter{}, task.Page{Offset: 1, Limit: 1})
		if err != nil {
			t.Fatalf("ListExecutions(page): %v", err)
		}
		if len(page) != 1 || page[0].ID != "e2" {
			t.Fatalf("page offset=1 limit=1 returned %v, want [e2]", ids(page))
		}
	})
}

func TestListQueuedExecutionsOrder(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		newer := queuedExec("e2", "t1", base.Add(time.Second))
		older := queuedExec("e1", "t1", base)
		done := queuedExec("e3", "t1", base.Add(2*time.Second))
		done.Status = task.StatusSucceeded
		for _, e := range []*task.Execution{newer, older, done} {
			if err := s.CreateExecution(ctx, e); err != nil {
				t.Fatalf("CreateExecution(%s): %v", e.ID, err)
			}
		}

		queued, err := s.ListQueuedExecutions(ctx)
		if err != nil {
			t.Fatalf("ListQueuedExecutions: %v", err)
		}
		if len(queued) != 2 || queued[0].ID != "e1" || queued[1].ID != "e2" {
			t.Fatalf("queued = %v, want oldest first [e1 e2]", ids(queued))
		}
	})
}

func TestExecutionExistsForSchedule(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fire := time.Now().UTC().Truncate(time.Minute)

		e := queuedExec("e1", "t1", fire)
		e.ScheduledFor = fire
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}

		ok, err := s.ExecutionExistsForSchedule(ctx, "t1", fire)
		if err != nil {
			t.Fatalf("ExecutionExistsForSchedule: %v", err)
		}
		if !ok {
			t.Fatal("existing (task, instant) pair not found")
		}

		for name, q := range map[string]struct {
			taskID string
			at     time.Time
		}{
			"other task":    {"t2", fire},
			"other instant": {"t1", fire.Add(15 * time.Second)},
		} {
			ok, err := s.ExecutionExistsForSchedule(ctx, q.taskID, q.at)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if ok {
				t.Fatalf("%s: reported existing, want false", name)
			}
		}
	})
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		def := &task.Task{
			ID:        "t1",
			Name:      "nightly backup",
			Type:      "backup",
			Config:    task.Config{"source": "/data", "dest_dir": "/backups"},
			Schedule:  "0 2 * * *",
			Priority:  task.PriorityHigh,
			Owner:     "ops",
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateTask(ctx, def); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}

		got, err := s.GetTask(ctx, "t1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Name != def.Name || got.Schedule != def.Schedule || got.Priority != def.Priority {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if got.Config.String("source") != "/data" {
			t.Fatalf("config lost: %v", got.Config)
		}

		got.Active = false
		got.UpdatedAt = now.Add(time.Second)
		if err := s.UpdateTask(ctx, got); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		active, err := s.ListTasks(ctx, true)
		if err != nil {
			t.Fatalf("ListTasks(active): %v", err)
		}
		if len(active) != 0 {
			t.Fatalf("deactivated task still listed as active: %d", len(active))
		}
		all, err := s.ListTasks(ctx, false)
		if err != nil {
			t.Fatalf("ListTasks(all): %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("ListTasks(all) = %d rows, want 1", len(all))
		}

		if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetTask(missing) error = %v, want ErrNotFound", err)
		}
		if err := s.UpdateTask(ctx, &task.Task{ID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("UpdateTask(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestWorkflowRoundTrip(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		w := &workflow.Workflow{
			ID:   "w1",
			Name: "deploy",
			Steps: []workflow.Step{
				{Name: "check", Type: "http_check", Config: task.Config{"url": "https://example.com"}},
				{Name: "notify", Type: "notification", Config: task.Config{"message": "done"}, Optional: true},
			},
			Version:   1,
			Status:    workflow.DefinitionActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}

		got, err := s.GetWorkflow(ctx, "w1")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if len(got.Steps) != 2 || got.Steps[1].Name != "notify" || !got.Steps[1].Optional {
			t.Fatalf("steps lost in round trip: %+v", got.Steps)
		}
		if got.Status != workflow.DefinitionActive {
			t.Fatalf("status = %s, want active", got.Status)
		}

		got.Status = workflow.DefinitionArchived
		got.Version = 2
		if err := s.UpdateWorkflow(ctx, got); err != nil {
			t.Fatalf("UpdateWorkflow: %v", err)
		}
		got, err = s.GetWorkflow(ctx, "w1")
		if err != nil {
			t.Fatalf("GetWorkflow after update: %v", err)
		}
		if got.Status != workflow.DefinitionArchived || got.Version != 2 {
			t.Fatalf("update lost: %+v", got)
		}
	})
}

func TestStepExecutionsSortedByIndex(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		run := &workflow.Execution{
			ID:         "r1",
			WorkflowID: "w1",
			Status:     workflow.RunRunning,
			Context:    task.Config{"env": "prod"},
			StartedAt:  now,
		}
		if err := s.CreateWorkflowExecution(ctx, run); err != nil {
			t.Fatalf("CreateWorkflowExecution: %v", err)
		}

		// Created out of order on purpose.
		for _, st := range []*workflow.StepExecution{
			{ID: "s2", ExecutionID: "r1", Index: 1, Name: "second", Status: workflow.StepPending},
			{ID: "s1", ExecutionID: "r1", Index: 0, Name: "first", Status: workflow.StepSucceeded, Attempts: 1},
			{ID: "sx", ExecutionID: "other", Index: 0, Name: "foreign", Status: workflow.StepPending},
		} {
			if err := s.CreateStepExecution(ctx, st); err != nil {
				t.Fatalf("CreateStepExecution(%s): %v", st.ID, err)
			}
		}

		steps, err := s.ListStepExecutions(ctx, "r1")
		if err != nil {
			t.Fatalf("ListStepExecutions: %v", err)
		}
		if len(steps) != 2 || steps[0].Name != "first" || steps[1].Name != "second" {
			t.Fatalf("steps = %+v, want [first second]", steps)
		}

		run.Status = workflow.RunSucceeded
		run.CompletedAt = now.Add(time.Second)
		if err := s.UpdateWorkflowExecution(ctx, run); err != nil {
			t.Fatalf("UpdateWorkflowExecution: %v", err)
		}
		byStatus, err := s.ListWorkflowExecutionsByStatus(ctx, workflow.RunSucceeded)
		if err != nil {
			t.Fatalf("ListWorkflowExecutionsByStatus: %v", err)
		}
		if len(byStatus) != 1 || byStatus[0].ID != "r1" {
			t.Fatalf("by-status = %+v, want [r1]", byStatus)
		}
		if byStatus[0].Context.String("env") != "prod" {
			t.Fatalf("context lost: %v", byStatus[0].Context)
		}
	})
}

func ids(in []*task.Execution) []string {
	out := make([]string, len(in))
	for i, e := range in {
		out[i] = e.ID
	}
	return out
}
