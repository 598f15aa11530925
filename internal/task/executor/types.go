package executor

import (
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/task/queue"
)

// Config controls the execution engine.
type Config struct {
	// Workers is the concurrency limit; each running execution occupies one
	// worker for its lifetime.
	Workers int

	// DefaultTimeout bounds a handler run when the execution's config does
	// not carry its own "timeout". 0 disables the default bound.
	DefaultTimeout time.Duration

	// CancelGrace is how long a cancellation request waits for a running
	// handler to acknowledge before the execution is marked cancelled anyway.
	CancelGrace time.Duration

	// ProgressInterval throttles how often reported progress is persisted.
	// Progress updates arriving faster are coalesced (latest value wins).
	ProgressInterval time.Duration

	// HistorySize bounds the in-memory recent-execution ring kept for
	// diagnostics.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// ExecutionEvent is emitted on the event bus for execution lifecycle events.
type ExecutionEvent struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id,omitempty"`
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Status     task.Status   `json:"status"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// HistoryItem is one entry of the diagnostics ring.
type HistoryItem struct {
	ID         string
	Name       string
	Type       string
	Status     task.Status
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers  int
	InFlight int
	Queue    queue.Stats

	DefaultTimeout time.Duration
	CancelGrace    time.Duration

	History []HistoryItem
}
