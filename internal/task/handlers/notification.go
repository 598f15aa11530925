package handlers

import (
	"context"
	"strings"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
	logx "taskpilot/pkg/logx"
)

// Notification formats a message and publishes it on the event bus, where
// delivery subscribers (and the structured log) pick it up.
//
// Config:
//
//	message  string  required
//	title    string  optional
//	level    string  optional: info (default), warn, error
type Notification struct {
	log logx.Logger
	bus eventbus.Bus
}

// NotificationEvent is the bus payload for a sent notification.
type NotificationEvent struct {
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message"`
	Level   string    `json:"level"`
	SentAt  time.Time `json:"sent_at"`
}

func NewNotification(log logx.Logger, bus eventbus.Bus) *Notification {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notification{log: log, bus: bus}
}

func (h *Notification) Validate(cfg task.Config) error {
	if strings.TrimSpace(cfg.String("message")) == "" {
		return registry.Invalid(TypeNotification, "message", "required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.String("level"))) {
	case "", "info", "warn", "error":
		return nil
	default:
		return registry.Invalid(TypeNotification, "level", "must be info, warn or error")
	}
}

func (h *Notification) Run(ctx context.Context, in registry.RunInput) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	level := strings.ToLower(strings.TrimSpace(in.Config.String("level")))
	if level == "" {
		level = "info"
	}
	ev := NotificationEvent{
		Title:   strings.TrimSpace(in.Config.String("title")),
		Message: strings.TrimSpace(in.Config.String("message")),
		Level:   level,
		SentAt:  time.Now(),
	}

	fields := []logx.Field{logx.String("title", ev.Title), logx.String("message", ev.Message)}
	switch level {
	case "error":
		h.log.Error("notification", fields...)
	case "warn":
		h.log.Warn("notification", fields...)
	default:
		h.log.Info("notification", fields...)
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationSent, Data: ev})
	}

	in.Progress(100)
	return map[string]any{"level": level, "sent": true}, nil
}
