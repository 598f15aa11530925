package handlers

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
)

// SystemdUnit drives a systemd unit through systemctl. It covers the common
// ops-automation moves: restart a service on schedule, or make sure one is
// running before later workflow steps depend on it.
//
// Config:
//
//	unit    string  required, e.g. "nginx.service"
//	action  string  required: start, stop, restart, ensure_active
type SystemdUnit struct{}

func NewSystemdUnit() *SystemdUnit { return &SystemdUnit{} }

func (h *SystemdUnit) Validate(cfg task.Config) error {
	if strings.TrimSpace(cfg.String("unit")) == "" {
		return registry.Invalid(TypeSystemd, "unit", "required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.String("action"))) {
	case "start", "stop", "restart", "ensure_active":
		return nil
	default:
		return registry.Invalid(TypeSystemd, "action", "must be start, stop, restart or ensure_active")
	}
}

func (h *SystemdUnit) Run(ctx context.Context, in registry.RunInput) (map[string]any, error) {
	unit := strings.TrimSpace(in.Config.String("unit"))
	action := strings.ToLower(strings.TrimSpace(in.Config.String("action")))

	if action == "ensure_active" {
		active, err := unitActive(ctx, unit)
		if err != nil {
			return nil, err
		}
		if active {
			in.Progress(100)
			return map[string]any{"unit": unit, "action": action, "active": true, "changed": false}, nil
		}
		if err := systemctl(ctx, "start", unit); err != nil {
			return nil, err
		}
		active, err = unitActive(ctx, unit)
		if err != nil {
			return nil, err
		}
		if !active {
			return map[string]any{"unit": unit, "action": action, "active": false, "changed": true},
				fmt.Errorf("unit %s did not become active", unit)
		}
		in.Progress(100)
		return map[string]any{"unit": unit, "action": action, "active": true, "changed": true}, nil
	}

	if err := systemctl(ctx, action, unit); err != nil {
		return nil, err
	}
	active, err := unitActive(ctx, unit)
	if err != nil {
		return nil, err
	}
	in.Progress(100)
	return map[string]any{"unit": unit, "action": action, "active": active, "changed": true}, nil
}

func systemctl(ctx context.Context, verb, unit string) error {
	out, err := exec.CommandContext(ctx, "systemctl", verb, unit).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("systemctl %s %s: %s", verb, unit, msg)
	}
	return nil
}

func unitActive(ctx context.Context, unit string) (bool, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).CombinedOutput()
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	// is-active exits non-zero for inactive units; the output still answers
	// the question.
	return strings.TrimSpace(string(out)) == "active", nil
}
