package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
	"taskpilot/internal/workflow"
	logx "taskpilot/pkg/logx"
)

// fakeInvoker records invocations and delegates behavior per task type.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []invocation
	fns   map[string]func(ctx context.Context, cfg task.Config) (map[string]any, error)
}

type invocation struct {
	typ string
	cfg task.Config
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{fns: map[string]func(context.Context, task.Config) (map[string]any, error){}}
}

func (f *fakeInvoker) on(typ string, fn func(context.Context, task.Config) (map[string]any, error)) {
	f.fns[typ] = fn
}

func (f *fakeInvoker) Invoke(ctx context.Context, typ string, cfg task.Config, _ time.Duration, _ func(int)) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{typ: typ, cfg: cfg.Clone()})
	f.mu.Unlock()
	if fn, ok := f.fns[typ]; ok {
		return fn(ctx, cfg)
	}
	return nil, nil
}

func (f *fakeInvoker) callCount(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.typ == typ {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, inv Invoker) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	svc := New(Config{RetryBackoffMin: time.Millisecond, RetryBackoffMax: 5 * time.Millisecond},
		store, inv, logx.Nop(), nil)
	ctx := context.Background()
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc, store
}

func addWorkflow(t *testing.T, store storage.Store, steps ...workflow.Step) *workflow.Workflow {
	t.Helper()
	wf := &workflow.Workflow{
		ID:      uuid.NewString(),
		Name:    "wf",
		Steps:   steps,
		Version: 1,
		Status:  workflow.DefinitionActive,
	}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf
}

func waitRunTerminal(t *testing.T, store storage.Store, id string) *workflow.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := store.GetWorkflowExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWorkflowExecution: %v", err)
		}
		if e.Status.Terminal() {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow execution %s never reached a terminal status", id)
	return nil
}

func stepByIndex(t *testing.T, store storage.Store, execID string, idx int) *workflow.StepExecution {
	t.Helper()
	steps, err := store.ListStepExecutions(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListStepExecutions: %v", err)
	}
	for _, s := range steps {
		if s.Index == idx {
			return s
		}
	}
	t.Fatalf("step %d not found", idx)
	return nil
}

func TestRunMergesStepOutputIntoContext(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.on("produce", func(_ context.Context, _ task.Config) (map[string]any, error) {
		return map[string]any{"token": "abc"}, nil
	})
	var gotToken string
	inv.on("consume", func(_ context.Context, cfg task.Config) (map[string]any, error) {
		gotToken = cfg.String("token")
		return nil, nil
	})

	svc, store := newTestEngine(t, inv)
	wf := addWorkflow(t, store,
		workflow.Step{Name: "produce", Type: "produce"},
		workflow.Step{Name: "consume", Type: "consume", Config: task.Config{"extra": "x"}},
	)

	exec, err := svc.Run(context.Background(), wf.ID, task.Config{"seed": 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := waitRunTerminal(t, store, exec.ID)
	if got.Status != workflow.RunSucceeded {
		t.Fatalf("Status = %s, want succeeded (err=%q)", got.Status, got.Error)
	}
	if gotToken != "abc" {
		t.Fatalf("consume saw token %q, want %q", gotToken, "abc")
	}
	if got.Context.String("token") != "abc" {
		t.Fatalf("run context token = %q, want abc", got.Context.String("token"))
	}
}

func TestRequiredStepFailureSkipsRemaining(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.on("boom", func(context.Context, task.Config) (map[string]any, error) {
		return nil, errors.New("exploded")
	})

	svc, store := newTestEngine(t, inv)
	wf := addWorkflow(t, store,
		workflow.Step{Name: "first", Type: "boom"},
		workflow.Step{Name: "second", Type: "after"},
	)

	exec, err := svc.Run(context.Background(), wf.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := waitRunTerminal(t, store, exec.ID)
	if got.Status != workflow.RunFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if s := stepByIndex(t, store, exec.ID, 0); s.Status != workflow.StepFailed {
		t.Fatalf("step 0 status = %s, want failed", s.Status)
	}
	if s := stepByIndex(t, store, exec.ID, 1); s.Status != workflow.StepSkipped {
		t.Fatalf("step 1 status = %s, want skipped", s.Status)
	}
	if inv.callCount("after") != 0 {
		t.Fatal("skipped step was invoked")
	}
}

func TestOptionalStepFailureContinues(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.on("flaky", func(context.Context, task.Config) (map[string]any, error) {
		return nil, errors.New("nope")
	})

	svc, store := newTestEngine(t, inv)
	wf := addWorkflow(t, store,
		workflow.Step{Name: "optional", Type: "flaky", Optional: true},
		workflow.Step{Name: "final", Type: "fine"},
	)

	exec, err := svc.Run(context.Background(), wf.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := waitRunTerminal(t, store, exec.ID)
	if got.Status != workflow.RunSucceeded {
		t.Fatalf("Status = %s, want succeeded (err=%q)", got.Status, got.Error)
	}
	if s := stepByIndex(t, store, exec.ID, 0); s.Status != workflow.StepFailed {
		t.Fatalf("optional step status = %s, want failed", s.Status)
	}
	if s := stepByIndex(t, store, exec.ID, 1); s.Status != workflow.StepSucceeded {
		t.Fatalf("final step status = %s, want succeeded", s.Status)
	}
}

func TestStepRetryBudget(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	var attempts int
	var mu sync.Mutex
	inv.on("retry", func(context.Context, task.Config) (map[string]any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("transient %d", n)
		}
		return map[string]any{"done": true}, nil
	})

	svc, store := newTestEngine(t, inv)
	wf := addWorkflow(t, store, workflow.Step{Name: "retry", Type: "retry", MaxAttempts: 2})

	exec, err := svc.Run(context.Background(), wf.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := waitRunTerminal(t, store, exec.ID)
	if got.Status != workflow.RunSucceeded {
		t.Fatalf("Status = %s, want succeeded (err=%q)", got.Status, got.Error)
	}
	if s := stepByIndex(t, store, exec.ID, 0); s.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", s.Attempts)
	}
}

func TestValidationErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.on("badcfg", func(context.Context, task.Config) (map[string]any, error) {
		return nil, registry.Invalid("badcfg", "url", "required")
	})

	svc, store := newTestEngine(t, inv)
	wf := addWorkflow(t, store, workflow.Step{Name: "badcfg", Type: "badcfg", MaxAttempts: 5})

	exec, err := svc.Run(context.Background(), wf.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := waitRunTerminal(t, store, exec.ID)
	if got.Status != workflow.RunFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if n := inv.callCount("badcfg"); n != 1 {
		t.Fatalf("invocations = %d, want 1 (no retries on validation errors)", n)
	}
}

func TestCancelMarksRemainingStepsCancelled(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	started := make(chan struct{})
	inv.on("block", func(ctx context.Context, _ task.Config) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	svc, store := newTestEngine(t, inv)
	wf := addWorkflow(t, store,
		workflow.Step{Name: "block", Type: "block"},
		workflow.Step{Name: "later", Type: "later"},
	)

	ctx := context.Background()
	exec, err := svc.Run(ctx, wf.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking step never started")
	}

	if !svc.Cancel(ctx, exec.ID) {
		t.Fatal("Cancel = false, want true")
	}

	got := waitRunTerminal(t, store, exec.ID)
	if got.Status != workflow.RunCancelled {
		t.Fatalf("Status = %s, want cancelled", got.Status)
	}
	if s := stepByIndex(t, store, exec.ID, 0); s.Status != workflow.StepCancelled {
		t.Fatalf("step 0 status = %s, want cancelled", s.Status)
	}
	if s := stepByIndex(t, store, exec.ID, 1); s.Status != workflow.StepCancelled {
		t.Fatalf("step 1 status = %s, want cancelled", s.Status)
	}
	if inv.callCount("later") != 0 {
		t.Fatal("cancelled step was invoked")
	}
}

func TestResumeSkipsFinishedSteps(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	store := storage.NewMemory()
	ctx := context.Background()

	wf := addWorkflow(t, store,
		workflow.Step{Name: "done", Type: "done"},
		workflow.Step{Name: "todo", Type: "todo"},
	)

	// Simulate a run interrupted after its first step.
	exec := &workflow.Execution{
		ID: uuid.NewString(), WorkflowID: wf.ID,
		Status: workflow.RunRunning, StartedAt: time.Now().Add(-time.Minute),
	}
	if err := store.CreateWorkflowExecution(ctx, exec); err != nil {
		t.Fatalf("CreateWorkflowExecution: %v", err)
	}
	steps := []*workflow.StepExecution{
		{ID: uuid.NewString(), ExecutionID: exec.ID, Index: 0, Name: "done",
			Status: workflow.StepSucceeded, Attempts: 1},
		{ID: uuid.NewString(), ExecutionID: exec.ID, Index: 1, Name: "todo",
			Status: workflow.StepPending},
	}
	for _, s := range steps {
		if err := store.CreateStepExecution(ctx, s); err != nil {
			t.Fatalf("CreateStepExecution: %v", err)
		}
	}

	svc := New(Config{}, store, inv, logx.Nop(), nil)
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	got := waitRunTerminal(t, store, exec.ID)
	if got.Status != workflow.RunSucceeded {
		t.Fatalf("Status = %s, want succeeded (err=%q)", got.Status, got.Error)
	}
	if inv.callCount("done") != 0 {
		t.Fatal("finished step re-executed on resume")
	}
	if inv.callCount("todo") != 1 {
		t.Fatalf("todo invoked %d times, want 1", inv.callCount("todo"))
	}
}

func TestRunRejectsBadDefinitions(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	svc, store := newTestEngine(t, inv)
	ctx := context.Background()

	draft := addWorkflow(t, store, workflow.Step{Name: "s", Type: "t"})
	draft.Status = workflow.DefinitionDraft
	if err := store.UpdateWorkflow(ctx, draft); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}
	if _, err := svc.Run(ctx, draft.ID, nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("draft Run error = %v, want ErrNotActive", err)
	}

	empty := addWorkflow(t, store)
	if _, err := svc.Run(ctx, empty.ID, nil); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("empty Run error = %v, want ErrNoSteps", err)
	}

	bad := addWorkflow(t, store, workflow.Step{Name: "s", Type: "t", Timeout: "soon"})
	var sde *StepDefError
	if _, err := svc.Run(ctx, bad.ID, nil); !errors.As(err, &sde) {
		t.Fatalf("bad timeout Run error = %v, want StepDefError", err)
	}
}
