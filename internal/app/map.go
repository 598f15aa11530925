package app

import (
	"taskpilot/internal/config"
	"taskpilot/internal/observability/debug"
	"taskpilot/internal/storage"
	"taskpilot/internal/task/executor"
	"taskpilot/internal/task/scheduler"
	"taskpilot/internal/workflow/engine"
)

// Config-to-component mapping. Duration strings were already validated by
// config.Config.Validate, so parse errors here are still surfaced but not
// expected.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	defTimeout, err := config.ParseDurationField("executor.default_timeout", cfg.Executor.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	grace, err := config.ParseDurationField("executor.cancel_grace", cfg.Executor.CancelGrace)
	if err != nil {
		return executor.Config{}, err
	}
	progress, err := config.ParseDurationField("executor.progress_interval", cfg.Executor.ProgressInterval)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Workers:          cfg.Executor.Workers,
		DefaultTimeout:   defTimeout,
		CancelGrace:      grace,
		ProgressInterval: progress,
		HistorySize:      cfg.Executor.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		PollInterval: poll,
		Timezone:     cfg.Scheduler.Timezone,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

func mapWorkflowConfig(cfg *config.Config) (engine.Config, error) {
	stepTimeout, err := config.ParseDurationField("workflow.step_timeout", cfg.Workflow.StepTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	backoffMin, err := config.ParseDurationField("workflow.retry_backoff_min", cfg.Workflow.RetryBackoffMin)
	if err != nil {
		return engine.Config{}, err
	}
	backoffMax, err := config.ParseDurationField("workflow.retry_backoff_max", cfg.Workflow.RetryBackoffMax)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		StepTimeout:       stepTimeout,
		RetryBackoffMin:   backoffMin,
		RetryBackoffMax:   backoffMax,
		MaxConcurrentRuns: cfg.Workflow.MaxConcurrentRuns,
	}, nil
}
