package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/registry"
	"github.com/helix-bi/helix/go/pipeline/internal/sandbox"
)

// ExecTools exposes sandboxed code execution. image applies to the
// Docker runner; the process runner ignores it.
func ExecTools(runner sandbox.Runner, image string) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			ID:          "exec_python",
			Description: "Execute a Python snippet in the analysis sandbox",
			CachePolicy: idempotency.PolicyNoCache,
			Timeout:     60 * time.Second,
			Args: []registry.ArgSpec{
				{Name: "code", Type: registry.ArgString, Required: true, Description: "Python source to run"},
			},
			Summarize: summarizeExec,
			Invoke: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				code, _ := args["code"].(string)
				return runSandboxed(ctx, runner, "exec_python", sandbox.Spec{
					Image:   image,
					Command: []string{"python3", "-"},
					Stdin:   code,
				})
			},
		},
		{
			ID:          "exec_shell",
			Description: "Execute a shell command in the analysis sandbox",
			CachePolicy: idempotency.PolicyNoCache,
			Timeout:     60 * time.Second,
			Args: []registry.ArgSpec{
				{Name: "command", Type: registry.ArgString, Required: true, Description: "Shell command to run"},
			},
			Summarize: summarizeExec,
			Invoke: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				command, _ := args["command"].(string)
				return runSandboxed(ctx, runner, "exec_shell", sandbox.Spec{
					Image:   image,
					Command: []string{"sh", "-c", command},
				})
			},
		},
	}
}

func runSandboxed(ctx context.Context, runner sandbox.Runner, tool string, spec sandbox.Spec) (interface{}, error) {
	res, err := runner.Run(ctx, spec)
	if err != nil {
		if errors.Is(err, sandbox.ErrCancelled) {
			// Let the timeout handler classify this; returning the
			// context error keeps cancellation cooperative.
			return nil, ctx.Err()
		}
		return nil, registry.NewExecutionError(tool, "sandbox_failed", err.Error())
	}
	if res.ExitCode != 0 {
		return nil, registry.NewExecutionError(tool, "nonzero_exit",
			fmt.Sprintf("exit code %d: %s", res.ExitCode, truncate(res.Stderr, 500)))
	}
	return map[string]interface{}{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}, nil
}

func summarizeExec(payload interface{}) string {
	if m, ok := payload.(map[string]interface{}); ok {
		if out, ok := m["stdout"].(string); ok && out != "" {
			return "execution succeeded: " + truncate(out, 200)
		}
	}
	return "execution succeeded with no output"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
