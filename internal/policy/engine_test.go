package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-bi/helix/go/pipeline/internal/hooks"
	"github.com/helix-bi/helix/go/pipeline/internal/state"
)

const testPolicy = `package helix.tools

import rego.v1

default decision := {"allow": true}

decision := {"allow": false, "reason": "shell execution only permitted while analyzing"} if {
	input.tool == "exec_shell"
	input.state != "ANALYZING"
}
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.rego"), []byte(content), 0o644))
	return dir
}

func TestEvaluateAllowAndDeny(t *testing.T) {
	engine, err := NewEngine(Config{Enabled: true, Path: writePolicy(t, testPolicy)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), &Input{
		ConversationID: "conv", State: "ANALYZING", Tool: "exec_shell",
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = engine.Evaluate(context.Background(), &Input{
		ConversationID: "conv", State: "QUERY", Tool: "exec_shell",
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "analyzing")
}

func TestDisabledEngineAllowsEverything(t *testing.T) {
	engine, err := NewEngine(Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), &Input{Tool: "exec_shell", State: "QUERY"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestLoadFailureFailOpen(t *testing.T) {
	engine, err := NewEngine(Config{Enabled: true, Path: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err, "empty policy dir degrades to fail-open")

	d, err := engine.Evaluate(context.Background(), &Input{Tool: "exec_shell", State: "QUERY"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestLoadFailureFailClosed(t *testing.T) {
	_, err := NewEngine(Config{Enabled: true, Path: t.TempDir(), FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestCompileFailure(t *testing.T) {
	dir := writePolicy(t, "package helix.tools\n\nthis is not rego")
	_, err := NewEngine(Config{Enabled: true, Path: dir, FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestHookAdaptsDecisions(t *testing.T) {
	engine, err := NewEngine(Config{Enabled: true, Path: writePolicy(t, testPolicy)}, zaptest.NewLogger(t))
	require.NoError(t, err)
	hook := NewHook(engine)
	assert.Equal(t, "policy", hook.Name())

	d := hook.Before(context.Background(), &hooks.ToolContext{
		ConversationID: "conv",
		State:          state.StateAnalyzing,
		Tool:           "exec_shell",
	})
	assert.True(t, d.Allow)

	d = hook.Before(context.Background(), &hooks.ToolContext{
		ConversationID: "conv",
		State:          state.StateQuery,
		Tool:           "exec_shell",
	})
	assert.False(t, d.Allow)
	assert.NotEmpty(t, d.Reason)
}
