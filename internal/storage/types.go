package storage

import (
	"context"
	"errors"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/workflow"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClaimConflict is returned by ClaimExecution when the compare-and-set
	// lost the race (the row is no longer queued). Callers treat this as a
	// benign signal, never as a user-visible failure.
	ErrClaimConflict = errors.New("execution claim conflict")

	// ErrTerminal is returned when an update targets an execution that has
	// already reached a terminal status.
	ErrTerminal = errors.New("execution is terminal")
)

// Config selects and configures a storage driver.
//
// Driver values:
//   - "memory": in-process store (default; state is lost on restart)
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the narrow repository contract the engine depends on.
// It is the single source of truth; the in-memory queue is always
// reconstructible from ListQueuedExecutions.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, t *task.Task) error
	UpdateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, activeOnly bool) ([]*task.Task, error)

	// Task executions.
	CreateExecution(ctx context.Context, e *task.Execution) error
	// UpdateExecution overwrites a non-terminal row. Updating a row whose
	// persisted status is already terminal returns ErrTerminal.
	UpdateExecution(ctx context.Context, e *task.Execution) error
	GetExecution(ctx context.Context, id string) (*task.Execution, error)
	ListExecutions(ctx context.Context, f task.ExecutionFilter, p task.Page) ([]*task.Execution, error)
	ListQueuedExecutions(ctx context.Context) ([]*task.Execution, error)
	// ClaimExecution atomically flips status queued -> running so two workers
	// can never double-process one row after a crash-recovery requeue.
	ClaimExecution(ctx context.Context, id string, at time.Time) error
	// ExecutionExistsForSchedule reports whether an execution already exists
	// for the given (task, scheduled instant) pair.
	ExecutionExistsForSchedule(ctx context.Context, taskID string, at time.Time) (bool, error)

	// Workflows.
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) error
	UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// Workflow executions.
	CreateWorkflowExecution(ctx context.Context, e *workflow.Execution) error
	UpdateWorkflowExecution(ctx context.Context, e *workflow.Execution) error
	GetWorkflowExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListWorkflowExecutionsByStatus(ctx context.Context, st workflow.RunStatus) ([]*workflow.Execution, error)

	// Step executions.
	CreateStepExecution(ctx context.Context, s *workflow.StepExecution) error
	UpdateStepExecution(ctx context.Context, s *workflow.StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*workflow.StepExecution, error)

	Close() error
}
