package handlers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskpilot/internal/task"
)

func TestBackupValidate(t *testing.T) {
	t.Parallel()
	h := NewBackup()
	if err := h.Validate(task.Config{"dest_dir": "/tmp"}); err == nil {
		t.Fatal("Validate without source = nil, want error")
	}
	if err := h.Validate(task.Config{"source": "/etc/hosts"}); err == nil {
		t.Fatal("Validate without dest_dir = nil, want error")
	}
	if err := h.Validate(task.Config{"source": "/etc/hosts", "dest_dir": "/tmp"}); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestBackupRun(t *testing.T) {
	t.Parallel()
	src := filepath.Join(t.TempDir(), "data.txt")
	content := []byte("backup me")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	destDir := filepath.Join(t.TempDir(), "backups")

	h := NewBackup()
	out, err := h.Run(context.Background(), runInput(task.Config{"source": src, "dest_dir": destDir}))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	dest, _ := out["dest"].(string)
	if !strings.HasPrefix(filepath.Base(dest), "data.txt.") {
		t.Fatalf("dest = %q, want timestamped data.txt copy", dest)
	}
	if out["bytes"] != int64(len(content)) {
		t.Fatalf("bytes = %v, want %d", out["bytes"], len(content))
	}
	copied, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile(dest): %v", err)
	}
	if string(copied) != string(content) {
		t.Fatalf("copied content = %q, want %q", copied, content)
	}
}

func TestBackupRunMissingSource(t *testing.T) {
	t.Parallel()
	h := NewBackup()
	cfg := task.Config{"source": filepath.Join(t.TempDir(), "absent"), "dest_dir": t.TempDir()}
	if _, err := h.Run(context.Background(), runInput(cfg)); err == nil {
		t.Fatal("Run with missing source = nil, want error")
	}
}
