package handlers

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
)

// outputTail caps how much combined command output is kept in the result.
const outputTail = 8 << 10

// Command runs a shell command line. A non-zero exit code fails the
// execution; the tail of combined output and the exit code are always in
// the result map.
//
// Config:
//
//	command  string  required, passed to `sh -c`
//	workdir  string  optional working directory
type Command struct {
	shell string
}

func NewCommand() *Command {
	return &Command{shell: "/bin/sh"}
}

func (h *Command) Validate(cfg task.Config) error {
	if strings.TrimSpace(cfg.String("command")) == "" {
		return registry.Invalid(TypeCommand, "command", "required")
	}
	return nil
}

func (h *Command) Run(ctx context.Context, in registry.RunInput) (map[string]any, error) {
	cmd := exec.CommandContext(ctx, h.shell, "-c", in.Config.String("command"))
	if dir := strings.TrimSpace(in.Config.String("workdir")); dir != "" {
		cmd.Dir = dir
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	out := buf.Bytes()
	if len(out) > outputTail {
		out = out[len(out)-outputTail:]
	}
	result := map[string]any{
		"exit_code": exitCode,
		"output":    string(out),
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return result, cerr
		}
		return result, err
	}
	in.Progress(100)
	return result, nil
}
