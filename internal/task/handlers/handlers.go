// Package handlers ships the builtin task types. Each handler validates its
// own config; the engine treats the config as opaque.
package handlers

import (
	"taskpilot/internal/eventbus"
	"taskpilot/internal/task/registry"
	logx "taskpilot/pkg/logx"
)

// Builtin task type names.
const (
	TypeHTTPCheck    = "http_check"
	TypeCommand      = "command"
	TypeBackup       = "backup"
	TypeCleanup      = "cleanup"
	TypeNotification = "notification"
	TypeSystemd      = "systemd_unit"
)

// RegisterBuiltin wires all builtin handlers into reg.
func RegisterBuiltin(reg *registry.Registry, log logx.Logger, bus eventbus.Bus) {
	reg.MustRegister(TypeHTTPCheck, NewHTTPCheck())
	reg.MustRegister(TypeCommand, NewCommand())
	reg.MustRegister(TypeBackup, NewBackup())
	reg.MustRegister(TypeCleanup, NewCleanup())
	reg.MustRegister(TypeNotification, NewNotification(log, bus))
	reg.MustRegister(TypeSystemd, NewSystemdUnit())
}
