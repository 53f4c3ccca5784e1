package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProcessRunnerCapturesOutput(t *testing.T) {
	r := NewProcessRunner(zaptest.NewLogger(t))
	res, err := r.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestProcessRunnerNonzeroExit(t *testing.T) {
	r := NewProcessRunner(zaptest.NewLogger(t))
	res, err := r.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo boom >&2; exit 3"},
	})
	require.NoError(t, err, "nonzero exit is a result, not an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestProcessRunnerStdin(t *testing.T) {
	r := NewProcessRunner(zaptest.NewLogger(t))
	res, err := r.Run(context.Background(), Spec{
		Command: []string{"cat"},
		Stdin:   "piped in",
	})
	require.NoError(t, err)
	assert.Equal(t, "piped in", res.Stdout)
}

func TestProcessRunnerEnv(t *testing.T) {
	r := NewProcessRunner(zaptest.NewLogger(t))
	res, err := r.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo $HELIX_TEST_VAR"},
		Env:     map[string]string{"HELIX_TEST_VAR": "wired"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wired\n", res.Stdout)
}

func TestProcessRunnerCancellationKillsGroup(t *testing.T) {
	r := NewProcessRunner(zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Spec{Command: []string{"sleep", "30"}})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessRunnerEmptyCommand(t *testing.T) {
	r := NewProcessRunner(zaptest.NewLogger(t))
	_, err := r.Run(context.Background(), Spec{})
	assert.Error(t, err)
}
