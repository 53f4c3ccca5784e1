// Package trace records a span tree per conversation and derives
// aggregate performance summaries from it. The in-memory tree is the
// source of truth; JSON and flow renderings, the sqlite sink, and the
// OTLP mirror are all derived views.
package trace

import (
	"fmt"
	"time"
)

// SpanType classifies a span.
type SpanType string

const (
	SpanAgentInvoke SpanType = "agent_invoke"
	SpanLLMCall     SpanType = "llm_call"
	SpanToolCall    SpanType = "tool_call"
)

// SpanStatus is the lifecycle status of a span.
type SpanStatus string

const (
	SpanPending SpanStatus = "pending"
	SpanSuccess SpanStatus = "success"
	SpanError   SpanStatus = "error"
)

// Span is one timed, attributed node in a conversation's trace tree.
// Children are owned exclusively by their parent and ordered by start.
type Span struct {
	ID             string                 `json:"span_id"`
	ParentID       string                 `json:"parent_id,omitempty"`
	ConversationID string                 `json:"conversation_id"`
	Name           string                 `json:"name"`
	Type           SpanType               `json:"span_type"`
	Status         SpanStatus             `json:"status"`
	StartTS        time.Time              `json:"start_ts"`
	EndTS          time.Time              `json:"end_ts,omitempty"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
	Children       []*Span                `json:"children,omitempty"`
}

// Closed reports whether the span has ended.
func (s *Span) Closed() bool { return s.Status != SpanPending }

// Duration returns wall time for a closed span, zero otherwise.
func (s *Span) Duration() time.Duration {
	if !s.Closed() {
		return 0
	}
	return s.EndTS.Sub(s.StartTS)
}

// validate enforces span well-formedness on close.
func (s *Span) validate() error {
	if s.Closed() && s.EndTS.Before(s.StartTS) {
		return fmt.Errorf("span %s ends before it starts", s.ID)
	}
	return nil
}

// attrInt reads an integer attribute regardless of the numeric type
// the producer used.
func attrInt(attrs map[string]interface{}, key string) (int, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
