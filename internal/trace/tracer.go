package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/metrics"
	"github.com/helix-bi/helix/go/pipeline/internal/pricing"
)

var (
	// ErrSpanNotFound is returned for unknown span IDs.
	ErrSpanNotFound = errors.New("span not found")
	// ErrParentClosed is returned when beginning a child under a span
	// that already ended.
	ErrParentClosed = errors.New("parent span already closed")
	// ErrNoTrace is returned when a conversation has no root span.
	ErrNoTrace = errors.New("no trace for conversation")
)

// SpanRecord is the flattened form written to a sink.
type SpanRecord struct {
	SpanID         string
	ParentID       string
	ConversationID string
	Name           string
	Type           SpanType
	Status         SpanStatus
	StartTS        time.Time
	EndTS          time.Time
	DurationMS     int64
	Attributes     map[string]interface{}
}

// Sink receives closed spans. Implementations must tolerate being
// called concurrently. Write failures are non-fatal to the pipeline:
// the tracer logs and swallows them.
type Sink interface {
	WriteSpan(ctx context.Context, rec *SpanRecord) error
}

// Tracer records span trees per conversation. An explicit injectable
// object; safe under concurrent access from independent conversation
// loops.
type Tracer struct {
	mu     sync.RWMutex
	roots  map[string][]*Span // conversation_id -> root spans, ordered
	spans  map[string]*Span   // span_id -> span
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewTracer creates a tracer. sink may be nil.
func NewTracer(sink Sink, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{
		roots:  make(map[string][]*Span),
		spans:  make(map[string]*Span),
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// BeginSpan opens a span. parentID is empty for a root span; a
// non-root span's parent must exist, be pending, and belong to the
// same conversation.
func (t *Tracer) BeginSpan(convID, parentID, name string, typ SpanType, attrs map[string]interface{}) (string, error) {
	if convID == "" {
		return "", fmt.Errorf("conversation id required")
	}
	s := &Span{
		ID:             uuid.New().String(),
		ParentID:       parentID,
		ConversationID: convID,
		Name:           name,
		Type:           typ,
		Status:         SpanPending,
		StartTS:        t.now(),
		Attributes:     cloneAttrs(attrs),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if parentID != "" {
		parent, ok := t.spans[parentID]
		if !ok {
			return "", fmt.Errorf("begin span %q: %w", name, ErrSpanNotFound)
		}
		if parent.Closed() {
			return "", fmt.Errorf("begin span %q: %w", name, ErrParentClosed)
		}
		if parent.ConversationID != convID {
			return "", fmt.Errorf("begin span %q: parent belongs to conversation %s", name, parent.ConversationID)
		}
		parent.Children = append(parent.Children, s)
	} else {
		t.roots[convID] = append(t.roots[convID], s)
	}
	t.spans[s.ID] = s
	metrics.SpansStarted.WithLabelValues(string(typ)).Inc()
	return s.ID, nil
}

// EndSpan closes a span, merging any final attributes. Spans nest
// strictly: pending children are closed first with the parent's
// status so a child never outlives its parent in the tree.
func (t *Tracer) EndSpan(ctx context.Context, spanID string, status SpanStatus, attrs map[string]interface{}) error {
	if status == SpanPending {
		return fmt.Errorf("cannot end span with pending status")
	}

	t.mu.Lock()
	s, ok := t.spans[spanID]
	if !ok {
		t.mu.Unlock()
		return ErrSpanNotFound
	}
	if s.Closed() {
		t.mu.Unlock()
		return fmt.Errorf("span %s already closed", spanID)
	}
	end := t.now()
	var closed []*Span
	t.closeLocked(s, status, end, &closed)
	for k, v := range attrs {
		if s.Attributes == nil {
			s.Attributes = make(map[string]interface{})
		}
		s.Attributes[k] = v
	}
	if err := s.validate(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	t.flush(ctx, closed)
	return nil
}

// closeLocked closes s and its pending children depth-first so that
// children carry the same end timestamp as the parent that forced
// them closed.
func (t *Tracer) closeLocked(s *Span, status SpanStatus, end time.Time, closed *[]*Span) {
	for _, child := range s.Children {
		if !child.Closed() {
			t.closeLocked(child, status, end, closed)
		}
	}
	s.Status = status
	s.EndTS = end
	*closed = append(*closed, s)
}

// flush mirrors closed spans to the sink. Trace write failures must
// never block the agent loop: they are logged and swallowed.
func (t *Tracer) flush(ctx context.Context, spans []*Span) {
	if t.sink == nil {
		return
	}
	for _, s := range spans {
		rec := &SpanRecord{
			SpanID:         s.ID,
			ParentID:       s.ParentID,
			ConversationID: s.ConversationID,
			Name:           s.Name,
			Type:           s.Type,
			Status:         s.Status,
			StartTS:        s.StartTS,
			EndTS:          s.EndTS,
			DurationMS:     s.Duration().Milliseconds(),
			Attributes:     cloneAttrs(s.Attributes),
		}
		if err := t.sink.WriteSpan(ctx, rec); err != nil {
			metrics.TraceWriteFailures.Inc()
			t.logger.Warn("Trace sink write failed",
				zap.String("span_id", s.ID),
				zap.Error(err),
			)
		}
	}
}

// Roots returns the root spans recorded for a conversation.
func (t *Tracer) Roots(convID string) []*Span {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Span, len(t.roots[convID]))
	copy(out, t.roots[convID])
	return out
}

// PerformanceSummary aggregates a conversation's trace.
type PerformanceSummary struct {
	ConversationID string  `json:"conversation_id"`
	DurationMS     int64   `json:"duration_ms"`
	TotalTokens    int     `json:"total_tokens"`
	ToolCalls      int     `json:"tool_calls_count"`
	LLMCalls       int     `json:"llm_calls_count"`
	CacheHits      int     `json:"cache_hits"`
	EstimatedCost  float64 `json:"estimated_cost_usd"`
}

// Summarize aggregates the conversation's root spans: wall time from
// the roots, token totals from llm_call/tool_call attributes, and an
// estimated cost from the price table.
func (t *Tracer) Summarize(convID string, prices *pricing.Table) (*PerformanceSummary, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roots := t.roots[convID]
	if len(roots) == 0 {
		return nil, ErrNoTrace
	}

	sum := &PerformanceSummary{ConversationID: convID}
	for _, root := range roots {
		sum.DurationMS += root.Duration().Milliseconds()
		walk(root, func(s *Span) {
			switch s.Type {
			case SpanToolCall:
				sum.ToolCalls++
			case SpanLLMCall:
				sum.LLMCalls++
			default:
				return
			}
			if hit, ok := s.Attributes["cache_hit"].(bool); ok && hit {
				sum.CacheHits++
			}
			in, _ := attrInt(s.Attributes, "tokens_in")
			out, _ := attrInt(s.Attributes, "tokens_out")
			if in == 0 && out == 0 {
				if combined, ok := attrInt(s.Attributes, "tokens"); ok {
					in = combined
				}
			}
			sum.TotalTokens += in + out
			if prices != nil {
				model, _ := s.Attributes["model"].(string)
				sum.EstimatedCost += prices.CostUSD(model, in, out)
			}
		})
	}
	return sum, nil
}

func walk(s *Span, fn func(*Span)) {
	fn(s)
	for _, c := range s.Children {
		walk(c, fn)
	}
}

func cloneAttrs(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
