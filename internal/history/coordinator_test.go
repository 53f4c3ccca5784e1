package history

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-bi/helix/go/pipeline/internal/tokens"
)

func newCoordinator(t *testing.T, budget, preserve int, summarizer Summarizer) *Coordinator {
	t.Helper()
	return NewCoordinator(Config{
		Budget:         budget,
		PreserveRecent: preserve,
		ModelFamily:    tokens.FamilyDefault,
	}, tokens.NewCounter(zaptest.NewLogger(t)), summarizer, zaptest.NewLogger(t))
}

func TestAppendAccumulatesUnderBudget(t *testing.T) {
	c := newCoordinator(t, 8000, 4, nil)
	require.NoError(t, c.Append("conv", RoleSystem, "You are an analyst."))
	require.NoError(t, c.Append("conv", RoleUser, "What was last month's revenue?"))

	turns := c.Snapshot("conv")
	require.Len(t, turns, 2)
	assert.Equal(t, RoleSystem, turns[0].Role)
	assert.Greater(t, c.TotalTokens("conv"), 0)
}

func TestCompactionDropsOldestNonSystemTurns(t *testing.T) {
	c := newCoordinator(t, 300, 2, nil)
	require.NoError(t, c.Append("conv", RoleSystem, "system prompt"))

	filler := strings.Repeat("data ", 40)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Append("conv", RoleTool, fmt.Sprintf("result %d: %s", i, filler)))
	}

	assert.LessOrEqual(t, c.TotalTokens("conv"), 300)
	turns := c.Snapshot("conv")
	assert.Equal(t, RoleSystem, turns[0].Role, "system prompt must survive compaction")

	// The most recent turns survive; the oldest tool results are gone.
	last := turns[len(turns)-1]
	assert.Contains(t, last.Content, "result 9")
	for _, turn := range turns {
		assert.NotContains(t, turn.Content, "result 0:")
	}
}

func TestCompactionIdempotent(t *testing.T) {
	c := newCoordinator(t, 300, 2, nil)
	require.NoError(t, c.Append("conv", RoleSystem, "system"))
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Append("conv", RoleTool, strings.Repeat("x ", 80)))
	}

	before := c.Snapshot("conv")
	tokensBefore := c.TotalTokens("conv")
	require.NoError(t, c.CompactIfNeeded("conv"))
	require.NoError(t, c.CompactIfNeeded("conv"))
	assert.Equal(t, tokensBefore, c.TotalTokens("conv"))
	assert.Len(t, c.Snapshot("conv"), len(before))
}

func TestSummarizerReplacesDroppedRun(t *testing.T) {
	called := 0
	summarizer := func(dropped []Turn) string {
		called++
		return fmt.Sprintf("[%d earlier results elided]", len(dropped))
	}
	c := newCoordinator(t, 300, 2, summarizer)
	require.NoError(t, c.Append("conv", RoleSystem, "system"))
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Append("conv", RoleTool, strings.Repeat("payload ", 40)))
	}

	assert.Greater(t, called, 0)
	assert.LessOrEqual(t, c.TotalTokens("conv"), 300)

	var sawSummary bool
	for _, turn := range c.Snapshot("conv") {
		if strings.Contains(turn.Content, "elided") {
			sawSummary = true
		}
	}
	assert.True(t, sawSummary, "summary turn should replace the dropped run")
}

func TestOverflowWhenNothingDroppable(t *testing.T) {
	c := newCoordinator(t, 100, 4, nil)
	require.NoError(t, c.Append("conv", RoleSystem, strings.Repeat("rule ", 30)))

	err := c.Append("conv", RoleUser, strings.Repeat("question ", 50))
	require.Error(t, err)

	var overflow *OverflowError
	require.True(t, errors.As(err, &overflow))
	assert.Equal(t, "conv", overflow.ConversationID)
	assert.Greater(t, overflow.TotalTokens, overflow.Budget)

	// Explicit recovery: drop the turn that caused the overflow.
	assert.True(t, c.DropLast("conv"))
	require.NoError(t, c.CompactIfNeeded("conv"))
}

func TestDropLastOnEmptyWindow(t *testing.T) {
	c := newCoordinator(t, 8000, 4, nil)
	assert.False(t, c.DropLast("nothing"))
}

func TestForgetDiscardsWindow(t *testing.T) {
	c := newCoordinator(t, 8000, 4, nil)
	require.NoError(t, c.Append("conv", RoleUser, "hello"))
	c.Forget("conv")
	assert.Empty(t, c.Snapshot("conv"))
	assert.Equal(t, 0, c.TotalTokens("conv"))
}

func TestConversationsAreIndependent(t *testing.T) {
	c := newCoordinator(t, 8000, 4, nil)
	require.NoError(t, c.Append("a", RoleUser, "conversation a"))
	require.NoError(t, c.Append("b", RoleUser, "conversation b"))

	assert.Len(t, c.Snapshot("a"), 1)
	assert.Len(t, c.Snapshot("b"), 1)
	assert.NotEqual(t, c.Snapshot("a")[0].Content, c.Snapshot("b")[0].Content)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := newCoordinator(t, 8000, 4, nil)
	require.NoError(t, c.Append("conv", RoleUser, "original"))
	snap := c.Snapshot("conv")
	snap[0].Content = "mutated"
	assert.Equal(t, "original", c.Snapshot("conv")[0].Content)
}
