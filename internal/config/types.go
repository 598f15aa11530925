// Package config loads, validates, and hot-reloads the daemon configuration
// from a YAML or JSON file.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Executor  ExecutorConfig  `json:"executor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	storage:
//	  driver: sqlite
//	  path: ./taskpilot.db
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ExecutorConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - default_timeout: "0s" (disabled)
//   - cancel_grace: "5s"
//   - progress_interval: "1s"
//   - history_size: 200
type ExecutorConfig struct {
	Workers int `json:"workers,omitempty"`

	// DefaultTimeout bounds handler runs whose config carries no timeout.
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// CancelGrace is how long cancellation waits for a running handler.
	CancelGrace string `json:"cancel_grace,omitempty"`

	// ProgressInterval throttles progress persistence.
	ProgressInterval string `json:"progress_interval,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// SchedulerConfig controls cron schedule evaluation.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// PollInterval is how often schedules are evaluated. Default "15s".
	PollInterval string `json:"poll_interval,omitempty"`

	// Timezone for cron evaluation (IANA name, e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`
}

// WorkflowConfig controls the workflow engine.
type WorkflowConfig struct {
	// StepTimeout bounds step attempts that declare no timeout of their own.
	StepTimeout string `json:"step_timeout,omitempty"`

	RetryBackoffMin string `json:"retry_backoff_min,omitempty"`
	RetryBackoffMax string `json:"retry_backoff_max,omitempty"`

	MaxConcurrentRuns int `json:"max_concurrent_runs,omitempty"`
}

// DebugConfig controls the optional diagnostics HTTP server (pprof, /statusz).
//
// Binding beyond loopback requires a token or an explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Validate rejects structurally bad configs before they are committed.
// It checks what a reload must not break; component defaults fill the rest.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver)
	}
	if strings.EqualFold(strings.TrimSpace(c.Storage.Driver), "sqlite") ||
		strings.EqualFold(strings.TrimSpace(c.Storage.Driver), "sqlite3") {
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required for sqlite driver")
		}
	}
	if c.Executor.Workers < 0 {
		return fmt.Errorf("executor.workers: must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"executor.default_timeout", c.Executor.DefaultTimeout},
		{"executor.cancel_grace", c.Executor.CancelGrace},
		{"executor.progress_interval", c.Executor.ProgressInterval},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"workflow.step_timeout", c.Workflow.StepTimeout},
		{"workflow.retry_backoff_min", c.Workflow.RetryBackoffMin},
		{"workflow.retry_backoff_max", c.Workflow.RetryBackoffMax},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: unknown timezone %q", tz)
		}
	}
	return nil
}
