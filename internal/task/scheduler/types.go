package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the schedule evaluation loop.
type Config struct {
	Enabled bool

	// PollInterval is how often active schedules are evaluated. It is a
	// tunable, not a correctness-affecting constant; dedup on the scheduled
	// fire instant keeps overlapping evaluations from double-firing.
	PollInterval time.Duration

	// Timezone for cron evaluation (IANA name). Empty means local time.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	return c
}

// taskState is the scheduler's cached view of one task's schedule.
type taskState struct {
	name     string
	rawSpec  string
	sched    cron.Schedule
	lastEval time.Time

	// bad marks a malformed spec: next-fire computation is permanently
	// skipped for this task (until its schedule string changes) and the
	// error was surfaced once.
	bad    bool
	badErr string
}

// ScheduleInfo is the observable state of one scheduled task.
type ScheduleInfo struct {
	TaskID   string    `json:"task_id"`
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	NextFire time.Time `json:"next_fire,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ScheduleErrorEvent is published on the bus when a task's schedule cannot
// be parsed.
type ScheduleErrorEvent struct {
	TaskID string `json:"task_id"`
	Spec   string `json:"spec"`
	Error  string `json:"error"`
}
