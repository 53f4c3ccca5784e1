// Package sandbox runs untrusted tool code (exec_* tools) in an
// isolated environment with hard cancellation. The Docker runner is
// the production path; the process runner covers environments without
// a Docker daemon. Both kill the underlying execution when the context
// is cancelled so a timeout never leaves an orphaned workload.
package sandbox

import (
	"context"
	"errors"
)

// ErrCancelled is returned when the execution was killed due to
// context cancellation.
var ErrCancelled = errors.New("sandbox execution cancelled")

// Spec describes one sandboxed execution.
type Spec struct {
	// Image is the container image (Docker runner only).
	Image string
	// Command and its arguments.
	Command []string
	// Env is extra environment for the execution.
	Env map[string]string
	// Stdin is piped to the process when non-empty.
	Stdin string
}

// Result is the outcome of a completed execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes a spec to completion or cancellation.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
