// Package workflow defines multi-step workflow entities: the workflow
// definition, its runtime execution, and per-step executions.
package workflow

import (
	"time"

	"taskpilot/internal/task"
)

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// Step is one declared step of a workflow.
//
// Steps run in declared order. MaxAttempts is the retry budget beyond the
// first attempt (0 = no retry). Optional steps may fail without failing the
// whole run.
type Step struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Config      task.Config `json:"config"`
	MaxAttempts int         `json:"max_attempts,omitempty"`
	Optional    bool        `json:"optional,omitempty"`
	Timeout     string      `json:"timeout,omitempty"` // Go duration string; empty = engine default
}

// Workflow is an ordered set of step definitions executed as a unit.
type Workflow struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Steps   []Step           `json:"steps"`
	Owner   string           `json:"owner,omitempty"`
	Version int              `json:"version"`
	Status  DefinitionStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus is the lifecycle state of a workflow execution.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Execution is one run of a Workflow.
//
// Context is the shared key/value map visible to all steps; step outputs are
// merged into it as steps complete (last-write-wins).
type Execution struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	Status     RunStatus   `json:"status"`
	Context    task.Config `json:"context,omitempty"`
	Error      string      `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// StepExecution is the runtime record of one step within an Execution.
type StepExecution struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`

	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
