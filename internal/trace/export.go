package trace

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportJSON renders a conversation's span trees as indented JSON.
func (t *Tracer) ExportJSON(convID string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roots := t.roots[convID]
	if len(roots) == 0 {
		return nil, ErrNoTrace
	}
	return json.MarshalIndent(roots, "", "  ")
}

// RenderFlow renders the span tree as an indented flow diagram, one
// span per line, for terminal inspection:
//
//	agent_invoke chat-turn [success 812ms]
//	├─ llm_call complete [success 390ms]
//	└─ tool_call query_database [success 102ms] cache_hit
func (t *Tracer) RenderFlow(convID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roots := t.roots[convID]
	if len(roots) == 0 {
		return "", ErrNoTrace
	}
	var b strings.Builder
	for _, root := range roots {
		renderSpan(&b, root, "", true, true)
	}
	return b.String(), nil
}

func renderSpan(b *strings.Builder, s *Span, prefix string, last, root bool) {
	if !root {
		connector := "├─ "
		if last {
			connector = "└─ "
		}
		b.WriteString(prefix + connector)
	}
	fmt.Fprintf(b, "%s %s [%s %dms]", s.Type, s.Name, s.Status, s.Duration().Milliseconds())
	if hit, ok := s.Attributes["cache_hit"].(bool); ok && hit {
		b.WriteString(" cache_hit")
	}
	if tok, ok := attrInt(s.Attributes, "tokens"); ok && tok > 0 {
		fmt.Fprintf(b, " tokens=%d", tok)
	}
	b.WriteString("\n")

	childPrefix := prefix
	if !root {
		if last {
			childPrefix += "   "
		} else {
			childPrefix += "│  "
		}
	}
	for i, c := range s.Children {
		renderSpan(b, c, childPrefix, i == len(s.Children)-1, false)
	}
}
