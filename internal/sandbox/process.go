package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// ProcessRunner executes specs as local subprocesses in their own
// process group, so cancellation kills the whole tree, not just the
// direct child. Used when no Docker daemon is available.
type ProcessRunner struct {
	logger *zap.Logger
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(logger *zap.Logger) *ProcessRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{logger: logger}
}

// Run executes the command. On context cancellation the process group
// receives SIGKILL.
func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("sandbox spec has no command")
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(cmd.Environ(), envSlice(spec.Env)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid addresses the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		r.logger.Info("Killed sandbox process group on cancellation",
			zap.Strings("command", spec.Command),
		)
		return nil, ErrCancelled
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return nil, err
	}
	return &Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
