package engine

import (
	"time"
)

// Config controls workflow run execution.
type Config struct {
	// StepTimeout bounds a single step attempt when the step does not declare
	// its own timeout. 0 disables the default bound.
	StepTimeout time.Duration

	// RetryBackoffMin and RetryBackoffMax bound the jittered exponential
	// delay between attempts of a failing step.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration

	// MaxConcurrentRuns bounds how many workflow executions may be in flight
	// at once. 0 means unlimited.
	MaxConcurrentRuns int
}

func (c Config) withDefaults() Config {
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		c.RetryBackoffMax = c.RetryBackoffMin
	}
	return c
}

// RunEvent is the bus payload for workflow lifecycle events.
type RunEvent struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	ActiveRuns  int           `json:"active_runs"`
	StepTimeout time.Duration `json:"step_timeout"`
}
