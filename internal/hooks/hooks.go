// Package hooks implements the ordered pre/post handler chain invoked
// synchronously around each tool call. A pre-hook that blocks prevents
// execution; the pipeline surfaces the block reason to the LLM as an
// error envelope.
package hooks

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
	"github.com/helix-bi/helix/go/pipeline/internal/metrics"
	"github.com/helix-bi/helix/go/pipeline/internal/state"
)

// ToolContext is the structured context handed to hooks.
type ToolContext struct {
	ConversationID string
	State          state.AgentState
	Tool           string
	Args           map[string]interface{}
}

// Decision is a pre-hook verdict.
type Decision struct {
	Allow  bool
	Reason string
}

// Allow is the permissive decision.
func Allow() Decision { return Decision{Allow: true} }

// Block denies execution with a reason.
func Block(reason string) Decision { return Decision{Allow: false, Reason: reason} }

// PreHook runs before tool execution and may block it.
type PreHook interface {
	Name() string
	Before(ctx context.Context, tc *ToolContext) Decision
}

// PostHook runs after tool execution with the result envelope.
type PostHook interface {
	Name() string
	After(ctx context.Context, tc *ToolContext, result *envelope.Envelope)
}

// Chain is an ordered list of hooks.
type Chain struct {
	pre    []PreHook
	post   []PostHook
	logger *zap.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{logger: logger}
}

// AddPre appends a pre-hook.
func (c *Chain) AddPre(h PreHook) *Chain {
	c.pre = append(c.pre, h)
	return c
}

// AddPost appends a post-hook.
func (c *Chain) AddPost(h PostHook) *Chain {
	c.post = append(c.post, h)
	return c
}

// RunPre runs pre-hooks in order; the first block wins and later hooks
// do not run.
func (c *Chain) RunPre(ctx context.Context, tc *ToolContext) Decision {
	for _, h := range c.pre {
		d := h.Before(ctx, tc)
		if !d.Allow {
			metrics.HookBlocks.WithLabelValues(h.Name()).Inc()
			c.logger.Info("Tool call blocked by hook",
				zap.String("hook", h.Name()),
				zap.String("tool", tc.Tool),
				zap.String("reason", d.Reason),
			)
			return d
		}
	}
	return Allow()
}

// RunPost runs every post-hook in order.
func (c *Chain) RunPost(ctx context.Context, tc *ToolContext, result *envelope.Envelope) {
	for _, h := range c.post {
		h.After(ctx, tc, result)
	}
}

// RateLimitHook throttles tool calls per conversation.
type RateLimitHook struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimitHook allows callsPerSecond with the given burst per
// conversation.
func NewRateLimitHook(callsPerSecond float64, burst int) *RateLimitHook {
	return &RateLimitHook{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(callsPerSecond),
		burst:    burst,
	}
}

func (h *RateLimitHook) Name() string { return "rate_limit" }

// Before blocks when the conversation exceeds its rate.
func (h *RateLimitHook) Before(_ context.Context, tc *ToolContext) Decision {
	h.mu.Lock()
	lim, ok := h.limiters[tc.ConversationID]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.limiters[tc.ConversationID] = lim
	}
	h.mu.Unlock()
	if !lim.Allow() {
		return Block("tool call rate limit exceeded for this conversation")
	}
	return Allow()
}

// AuditHook logs every tool result.
type AuditHook struct {
	logger *zap.Logger
}

// NewAuditHook creates an audit post-hook.
func NewAuditHook(logger *zap.Logger) *AuditHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHook{logger: logger}
}

func (h *AuditHook) Name() string { return "audit" }

// After logs the result of a tool invocation.
func (h *AuditHook) After(_ context.Context, tc *ToolContext, result *envelope.Envelope) {
	h.logger.Info("Tool executed",
		zap.String("conversation_id", tc.ConversationID),
		zap.String("tool", tc.Tool),
		zap.String("status", string(result.Status)),
		zap.Int64("latency_ms", result.Telemetry.LatencyMS),
		zap.Bool("cache_hit", result.Telemetry.CacheHit),
	)
}
