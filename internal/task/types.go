// Package task defines the core entities of the orchestration engine:
// reusable task definitions and their concrete executions.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an execution.
//
// Transitions: queued -> running -> succeeded|failed, and queued|running -> cancelled.
// Terminal executions are immutable; the storage layer enforces this.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority is a coarse urgency band governing dequeue order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Weight maps a band to its queue ordering weight. Lower is more urgent.
// Unknown bands sort after low so a bad value can never jump the queue.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityMedium, "":
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("invalid priority %q (use high, medium or low)", s)
}

// Task is a reusable, possibly-scheduled unit of work definition.
//
// Updating a Task never affects executions already in flight; each execution
// carries its own config snapshot. Tasks are deactivated, not deleted, while
// executions still reference them.
type Task struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Config   Config   `json:"config"`
	Schedule string   `json:"schedule,omitempty"` // cron spec or interval; empty = manual only
	Priority Priority `json:"priority"`
	Owner    string   `json:"owner,omitempty"`
	Active   bool     `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is one concrete run of a Task (or an ad-hoc invocation).
type Execution struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id,omitempty"` // empty for ad-hoc executions
	Name   string `json:"name"`
	Type   string `json:"type"`

	Config   Config   `json:"config"` // input snapshot taken at submission time
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Progress int            `json:"progress"` // 0..100

	// ScheduledFor is the cron fire instant (second granularity) for
	// scheduled executions; zero for manual and ad-hoc submissions. It backs
	// the at-most-one-fire-per-tick deduplication.
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`

	QueuedAt    time.Time     `json:"queued_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Clone returns a deep copy so callers can hand executions across goroutine
// boundaries without sharing mutable maps.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Config = e.Config.Clone()
	if e.Output != nil {
		out := make(map[string]any, len(e.Output))
		for k, v := range e.Output {
			out[k] = v
		}
		cp.Output = out
	}
	return &cp
}

// ExecutionFilter narrows ListExecutions results. Zero fields match everything.
type ExecutionFilter struct {
	TaskID string
	Type   string
	Status Status
}

// Page is offset/limit pagination. Limit <= 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}
