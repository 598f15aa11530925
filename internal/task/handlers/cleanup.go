package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
)

// Cleanup deletes files older than a maximum age from one directory
// (non-recursive). Subdirectories are left alone.
//
// Config:
//
//	dir      string  required
//	max_age  string  required Go duration, e.g. "168h"
//	pattern  string  optional glob matched against file names
type Cleanup struct{}

func NewCleanup() *Cleanup { return &Cleanup{} }

func (h *Cleanup) Validate(cfg task.Config) error {
	if strings.TrimSpace(cfg.String("dir")) == "" {
		return registry.Invalid(TypeCleanup, "dir", "required")
	}
	d, err := cfg.Duration("max_age")
	if err != nil || d <= 0 {
		return registry.Invalid(TypeCleanup, "max_age", "must be a positive duration")
	}
	if p := cfg.String("pattern"); p != "" {
		if _, err := filepath.Match(p, "probe"); err != nil {
			return registry.Invalid(TypeCleanup, "pattern", "invalid glob")
		}
	}
	return nil
}

func (h *Cleanup) Run(ctx context.Context, in registry.RunInput) (map[string]any, error) {
	dir := in.Config.String("dir")
	maxAge, _ := in.Config.Duration("max_age")
	pattern := in.Config.String("pattern")
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var (
		removed int
		freed   int64
	)
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, entry.Name()); !ok {
				continue
			}
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return nil, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		removed++
		freed += info.Size()
		if len(entries) > 0 {
			in.Progress((i + 1) * 100 / len(entries))
		}
	}

	in.Progress(100)
	return map[string]any{
		"removed":     removed,
		"freed_bytes": freed,
	}, nil
}
