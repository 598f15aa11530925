package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
)

// Backup copies a source file into a destination directory under a
// timestamped name, reporting copy progress as it goes.
//
// Config:
//
//	source    string  required, file to copy
//	dest_dir  string  required, created if missing
type Backup struct{}

func NewBackup() *Backup { return &Backup{} }

func (h *Backup) Validate(cfg task.Config) error {
	if strings.TrimSpace(cfg.String("source")) == "" {
		return registry.Invalid(TypeBackup, "source", "required")
	}
	if strings.TrimSpace(cfg.String("dest_dir")) == "" {
		return registry.Invalid(TypeBackup, "dest_dir", "required")
	}
	return nil
}

func (h *Backup) Run(ctx context.Context, in registry.RunInput) (map[string]any, error) {
	source := in.Config.String("source")
	destDir := in.Config.String("dest_dir")

	src, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %q is a directory", source)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dest dir: %w", err)
	}

	base := filepath.Base(source)
	stamp := time.Now().UTC().Format("20060102T150405Z")
	destPath := filepath.Join(destDir, fmt.Sprintf("%s.%s", base, stamp))

	dst, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create dest: %w", err)
	}

	written, err := copyWithProgress(ctx, dst, src, info.Size(), in.Progress)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath) // don't leave a partial copy behind
		return nil, fmt.Errorf("copy: %w", err)
	}

	return map[string]any{
		"dest":  destPath,
		"bytes": written,
	}, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress func(int)) (int64, error) {
	buf := make([]byte, 1<<20)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if total > 0 {
				progress(int(written * 100 / total))
			}
		}
		if rerr == io.EOF {
			progress(100)
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
