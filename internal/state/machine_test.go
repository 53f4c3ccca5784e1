package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupOf(t *testing.T) {
	tests := []struct {
		toolID string
		group  ToolGroup
		ok     bool
	}{
		{"query_database", GroupQuery, true},
		{"exec_python", GroupExec, true},
		{"skill_cohort_analysis", GroupSkill, true},
		{"memory_store", GroupMemory, true},
		{"unknown_tool", "", false},
		{"noprefix", "", false},
		{"_leading", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		g, ok := GroupOf(tt.toolID)
		assert.Equal(t, tt.ok, ok, tt.toolID)
		assert.Equal(t, tt.group, g, tt.toolID)
	}
}

func TestMachineStartsIdleAndFollowsEdges(t *testing.T) {
	m := NewMachine(DefaultTable())
	assert.Equal(t, StateIdle, m.Current())

	require.NoError(t, m.Transition(StateQuery))
	require.NoError(t, m.Transition(StateAnalyzing))
	require.NoError(t, m.Transition(StateReporting))
	require.NoError(t, m.Transition(StateDone))
	assert.Equal(t, StateDone, m.Current())
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	m := NewMachine(DefaultTable())
	err := m.Transition(StateReporting)
	require.Error(t, err)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateIdle, te.From)
	assert.Equal(t, StateReporting, te.To)
	assert.Equal(t, StateIdle, m.Current())
}

func TestDoneIsTerminal(t *testing.T) {
	m := NewMachine(DefaultTable())
	require.NoError(t, m.Transition(StateQuery))
	require.NoError(t, m.Transition(StateDone))
	assert.Error(t, m.Transition(StateQuery))
	assert.Equal(t, StateDone, m.Current())
}

func TestActiveToolsFiltersByGroup(t *testing.T) {
	m := NewMachine(DefaultTable())
	ids := []string{"query_database", "exec_python", "memory_store", "skill_report", "bogus_tool"}

	queryTools := m.ActiveTools(StateQuery, ids)
	assert.ElementsMatch(t, []string{"query_database", "memory_store", "skill_report"}, queryTools)

	analyzing := m.ActiveTools(StateAnalyzing, ids)
	assert.ElementsMatch(t, []string{"query_database", "exec_python", "memory_store", "skill_report"}, analyzing)

	assert.Empty(t, m.ActiveTools(StateDone, ids))
}

func TestAllowsTracksCurrentState(t *testing.T) {
	m := NewMachine(DefaultTable())
	assert.False(t, m.Allows("exec_python"))

	require.NoError(t, m.Transition(StateQuery))
	assert.True(t, m.Allows("query_database"))
	assert.False(t, m.Allows("exec_python"))

	require.NoError(t, m.Transition(StateAnalyzing))
	assert.True(t, m.Allows("exec_python"))
	assert.False(t, m.Allows("not-a-tool"))
}

func TestValidateRejectsBadTables(t *testing.T) {
	tests := []struct {
		name  string
		table Table
	}{
		{"no edges", Table{}},
		{
			"unknown state",
			Table{Edges: map[AgentState][]AgentState{StateIdle: {"LIMBO"}}},
		},
		{
			"done with outgoing edges",
			Table{Edges: map[AgentState][]AgentState{
				StateIdle: {StateDone},
				StateDone: {StateIdle},
			}},
		},
		{
			"idle stuck",
			Table{Edges: map[AgentState][]AgentState{StateQuery: {StateDone}}},
		},
		{
			"unknown group",
			Table{
				Edges:   map[AgentState][]AgentState{StateIdle: {StateDone}},
				Visible: map[AgentState][]ToolGroup{StateIdle: {"mystery"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.table.Validate())
		})
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
edges:
  IDLE: [QUERY, DONE]
  QUERY: [DONE]
visible:
  QUERY: [query]
`), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)

	m := NewMachine(table)
	require.NoError(t, m.Transition(StateQuery))
	assert.True(t, m.Allows("query_database"))
	assert.False(t, m.Allows("memory_store"))
}

func TestLoadTableRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("edges: [not, a, map]"), 0o644))
	_, err := LoadTable(path)
	assert.Error(t, err)
}
