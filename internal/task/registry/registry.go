// Package registry maps task-type identifiers to their handlers.
//
// The registry is an explicit, constructed object populated at process
// start and passed to the executor and workflow engine, so tests can
// substitute fake handlers. It is not runtime-dynamic for unknown callers.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taskpilot/internal/task"
)

// RunInput is what a handler receives for one execution attempt.
type RunInput struct {
	// Config is the execution's input snapshot (already validated).
	Config task.Config

	// Progress reports 0..100 completion. Optional for handlers; never nil.
	Progress func(pct int)
}

// Handler performs the actual work for one task type.
//
// Run must observe ctx at safe points: the executor cancels it on timeout
// and on cooperative cancellation requests.
type Handler interface {
	// Validate rejects bad configuration before an execution may start.
	// Return a *ValidationError for field-level problems.
	Validate(cfg task.Config) error

	Run(ctx context.Context, in RunInput) (map[string]any, error)
}

// ValidationError is a structured configuration error. Executions failing
// validation never transition to running and are never retried.
type ValidationError struct {
	TaskType string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid config: %s", e.TaskType, e.Reason)
	}
	return fmt.Sprintf("%s: invalid config field %q: %s", e.TaskType, e.Field, e.Reason)
}

// Invalid builds a ValidationError for a single field.
func Invalid(taskType, field, reason string) error {
	return &ValidationError{TaskType: taskType, Field: field, Reason: reason}
}

// Registry is a closed set of task types, safe for concurrent reads.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler under a type name. Registering an empty name,
// a nil handler, or a duplicate name is a programming error.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("task type name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("task type %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for process-start wiring where a failure is fatal.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Resolve looks up the handler for a task type.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
