package scheduler

import (
	"context"
	"testing"
	"time"

	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	"taskpilot/internal/task/executor"
	"taskpilot/internal/task/queue"
	"taskpilot/internal/task/registry"
	logx "taskpilot/pkg/logx"
)

type noopHandler struct{}

func (noopHandler) Validate(task.Config) error { return nil }
func (noopHandler) Run(context.Context, registry.RunInput) (map[string]any, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	reg := registry.New()
	reg.MustRegister("noop", noopHandler{})
	exec := executor.New(executor.Config{}, store, reg, queue.New(), logx.Nop(), nil)
	return New(Config{Enabled: true}, store, exec, logx.Nop(), nil), store
}

func addTask(t *testing.T, store storage.Store, id, schedule string) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID: id, Name: id, Type: "noop",
		Schedule: schedule, Priority: task.PriorityMedium, Active: true,
		CreatedAt: time.Now(),
	}
	if err := store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func countScheduled(t *testing.T, store storage.Store, taskID string) int {
	t.Helper()
	execs, err := store.ListExecutions(context.Background(), task.ExecutionFilter{TaskID: taskID}, task.Page{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	return len(execs)
}

func TestEvaluateFiresDueSchedule(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t)
	tk := addTask(t, store, "t1", "every:1m")

	ctx := context.Background()
	base := time.Now()

	// First pass only registers the schedule.
	s.evaluate(ctx, base)
	if n := countScheduled(t, store, tk.ID); n != 0 {
		t.Fatalf("executions after registration = %d, want 0", n)
	}

	s.evaluate(ctx, base.Add(90*time.Second))
	if n := countScheduled(t, store, tk.ID); n != 1 {
		t.Fatalf("executions after due tick = %d, want 1", n)
	}
}

func TestEvaluateDeduplicatesOverlappingWindow(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t)
	tk := addTask(t, store, "t1", "every:1m")

	ctx := context.Background()
	base := time.Now()
	s.evaluate(ctx, base)
	s.evaluate(ctx, base.Add(90*time.Second))
	if n := countScheduled(t, store, tk.ID); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}

	// Rewind lastEval as if an overlapping evaluation re-saw the same window.
	s.mu.Lock()
	s.states[tk.ID].lastEval = base
	s.mu.Unlock()

	s.evaluate(ctx, base.Add(90*time.Second))
	if n := countScheduled(t, store, tk.ID); n != 1 {
		t.Fatalf("executions after overlapping window = %d, want 1 (deduped)", n)
	}
}

func TestEvaluateFiresSubMinuteInterval(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t)
	tk := addTask(t, store, "t1", "every:15s")

	ctx := context.Background()
	base := time.Now()

	// Registration pass, then a tick just after each 15s boundary. Each
	// fire must land as its own execution, not collapse into one per minute.
	s.evaluate(ctx, base)
	for _, offset := range []time.Duration{16, 31, 46, 61} {
		s.evaluate(ctx, base.Add(offset*time.Second))
	}
	if n := countScheduled(t, store, tk.ID); n != 4 {
		t.Fatalf("executions over one minute = %d, want 4", n)
	}

	execs, err := store.ListExecutions(ctx, task.ExecutionFilter{TaskID: tk.ID}, task.Page{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	stamps := map[time.Time]bool{}
	for _, e := range execs {
		if e.ScheduledFor.IsZero() {
			t.Fatalf("execution %s missing ScheduledFor", e.ID)
		}
		stamps[e.ScheduledFor] = true
	}
	if len(stamps) != 4 {
		t.Fatalf("distinct ScheduledFor stamps = %d, want 4", len(stamps))
	}
}

func TestMalformedScheduleDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t)
	bad := addTask(t, store, "bad", "not a schedule at all at all")
	good := addTask(t, store, "good", "every:1m")

	ctx := context.Background()
	base := time.Now()
	s.evaluate(ctx, base)
	s.evaluate(ctx, base.Add(90*time.Second))

	if n := countScheduled(t, store, good.ID); n != 1 {
		t.Fatalf("good task executions = %d, want 1", n)
	}
	if n := countScheduled(t, store, bad.ID); n != 0 {
		t.Fatalf("bad task executions = %d, want 0", n)
	}

	info := s.Snapshot()
	var badInfo *ScheduleInfo
	for i := range info {
		if info[i].TaskID == bad.ID {
			badInfo = &info[i]
		}
	}
	if badInfo == nil || badInfo.Error == "" {
		t.Fatalf("bad task schedule error not surfaced: %+v", info)
	}
}

func TestScheduleChangeReparses(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t)
	tk := addTask(t, store, "t1", "definitely-broken schedule")

	ctx := context.Background()
	s.evaluate(ctx, time.Now())

	s.mu.Lock()
	wasBad := s.states[tk.ID].bad
	s.mu.Unlock()
	if !wasBad {
		t.Fatal("expected schedule to be marked bad")
	}

	tk.Schedule = "every:1m"
	if err := store.UpdateTask(ctx, tk); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	s.evaluate(ctx, time.Now())

	s.mu.Lock()
	stillBad := s.states[tk.ID].bad
	s.mu.Unlock()
	if stillBad {
		t.Fatal("schedule still marked bad after spec change")
	}
}
