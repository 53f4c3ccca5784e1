// Package state implements the agent phase state machine that gates
// which tool groups are callable at each point in a conversation.
//
// The transition table is data: it maps each state to its legal
// successor states and to the tool groups visible while in it. The
// table is validated once at startup; a malformed table is a fatal
// configuration error.
package state

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AgentState is one phase of the agent loop.
type AgentState string

const (
	StateIdle      AgentState = "IDLE"
	StateQuery     AgentState = "QUERY"
	StateAnalyzing AgentState = "ANALYZING"
	StateReporting AgentState = "REPORTING"
	StateDone      AgentState = "DONE"
)

// ToolGroup is the prefix class of a tool identifier (query_*, exec_*,
// skill_*, memory_*).
type ToolGroup string

const (
	GroupQuery  ToolGroup = "query"
	GroupExec   ToolGroup = "exec"
	GroupSkill  ToolGroup = "skill"
	GroupMemory ToolGroup = "memory"
)

// TransitionError reports an illegal state transition. The machine's
// state is unchanged when it is returned.
type TransitionError struct {
	From AgentState
	To   AgentState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// GroupOf extracts the tool group from a tool identifier. The second
// return is false when the prefix is not a known group.
func GroupOf(toolID string) (ToolGroup, bool) {
	idx := strings.IndexByte(toolID, '_')
	if idx <= 0 {
		return "", false
	}
	g := ToolGroup(toolID[:idx])
	switch g {
	case GroupQuery, GroupExec, GroupSkill, GroupMemory:
		return g, true
	default:
		return "", false
	}
}

// Table holds the allowed edges and per-state visible tool groups.
type Table struct {
	Edges   map[AgentState][]AgentState `yaml:"edges"`
	Visible map[AgentState][]ToolGroup  `yaml:"visible"`
}

// DefaultTable returns the built-in transition table.
func DefaultTable() *Table {
	return &Table{
		Edges: map[AgentState][]AgentState{
			StateIdle:      {StateQuery, StateDone},
			StateQuery:     {StateQuery, StateAnalyzing, StateDone},
			StateAnalyzing: {StateAnalyzing, StateQuery, StateReporting, StateDone},
			StateReporting: {StateReporting, StateDone},
		},
		Visible: map[AgentState][]ToolGroup{
			StateIdle:      {GroupMemory, GroupSkill},
			StateQuery:     {GroupQuery, GroupMemory, GroupSkill},
			StateAnalyzing: {GroupQuery, GroupExec, GroupMemory, GroupSkill},
			StateReporting: {GroupMemory, GroupSkill},
			StateDone:      {},
		},
	}
}

// LoadTable reads a transition table from YAML and validates it.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transition table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse transition table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

var knownStates = map[AgentState]bool{
	StateIdle:      true,
	StateQuery:     true,
	StateAnalyzing: true,
	StateReporting: true,
	StateDone:      true,
}

var knownGroups = map[ToolGroup]bool{
	GroupQuery:  true,
	GroupExec:   true,
	GroupSkill:  true,
	GroupMemory: true,
}

// Validate checks that the table only references known states and
// groups, that DONE has no outgoing edges, and that IDLE can make
// progress.
func (t *Table) Validate() error {
	if len(t.Edges) == 0 {
		return fmt.Errorf("transition table has no edges")
	}
	for from, tos := range t.Edges {
		if !knownStates[from] {
			return fmt.Errorf("transition table references unknown state %q", from)
		}
		if from == StateDone && len(tos) > 0 {
			return fmt.Errorf("DONE is terminal but has outgoing edges")
		}
		for _, to := range tos {
			if !knownStates[to] {
				return fmt.Errorf("transition table references unknown state %q", to)
			}
		}
	}
	if len(t.Edges[StateIdle]) == 0 {
		return fmt.Errorf("IDLE has no outgoing edges")
	}
	for st, groups := range t.Visible {
		if !knownStates[st] {
			return fmt.Errorf("visibility map references unknown state %q", st)
		}
		for _, g := range groups {
			if !knownGroups[g] {
				return fmt.Errorf("visibility map references unknown tool group %q", g)
			}
		}
	}
	return nil
}

func (t *Table) allowsEdge(from, to AgentState) bool {
	for _, s := range t.Edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t *Table) visibleGroups(st AgentState) []ToolGroup {
	return t.Visible[st]
}

// Machine tracks the current state of one conversation against a
// shared, immutable table. Safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	table   *Table
	current AgentState
}

// NewMachine starts a machine at IDLE.
func NewMachine(table *Table) *Machine {
	if table == nil {
		table = DefaultTable()
	}
	return &Machine{table: table, current: StateIdle}
}

// Current returns the current state.
func (m *Machine) Current() AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to the requested state if the edge is listed. On an
// illegal edge it returns a TransitionError and leaves the state
// unchanged; there is no silent no-op.
func (m *Machine) Transition(to AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.table.allowsEdge(m.current, to) {
		return &TransitionError{From: m.current, To: to}
	}
	m.current = to
	return nil
}

// ActiveGroups returns the tool groups visible in the given state.
// Pure function of the table; no side effects.
func (m *Machine) ActiveGroups(st AgentState) []ToolGroup {
	return m.table.visibleGroups(st)
}

// ActiveTools filters the given tool identifiers down to those whose
// group is visible in the given state.
func (m *Machine) ActiveTools(st AgentState, toolIDs []string) []string {
	visible := make(map[ToolGroup]bool)
	for _, g := range m.table.visibleGroups(st) {
		visible[g] = true
	}
	var out []string
	for _, id := range toolIDs {
		if g, ok := GroupOf(id); ok && visible[g] {
			out = append(out, id)
		}
	}
	return out
}

// Allows reports whether the tool may be invoked in the current state.
// Invocations outside the active set must be rejected before any side
// effects.
func (m *Machine) Allows(toolID string) bool {
	g, ok := GroupOf(toolID)
	if !ok {
		return false
	}
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	for _, vg := range m.table.visibleGroups(cur) {
		if vg == g {
			return true
		}
	}
	return false
}
