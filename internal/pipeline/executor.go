// Package pipeline implements the tool execution path: state gating,
// argument validation, hooks, idempotency caching with single-flight,
// deadline-bound execution with retries, tracing, and context-window
// bookkeeping. One Executor serves any number of concurrent
// conversations; all shared components are injected.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
	"github.com/helix-bi/helix/go/pipeline/internal/history"
	"github.com/helix-bi/helix/go/pipeline/internal/hooks"
	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/metrics"
	"github.com/helix-bi/helix/go/pipeline/internal/registry"
	"github.com/helix-bi/helix/go/pipeline/internal/state"
	"github.com/helix-bi/helix/go/pipeline/internal/timeout"
	"github.com/helix-bi/helix/go/pipeline/internal/tokens"
	"github.com/helix-bi/helix/go/pipeline/internal/tools"
	"github.com/helix-bi/helix/go/pipeline/internal/trace"
)

// ToolCall is one tool invocation request from the agent loop.
type ToolCall struct {
	ConversationID string
	Tool           string
	Args           map[string]interface{}
	// ParentSpanID nests the tool_call span under the agent's current
	// agent_invoke span when set.
	ParentSpanID string
}

// Executor runs tool calls through the full pipeline.
type Executor struct {
	registry *registry.Registry
	cache    *idempotency.Cache
	timeouts *timeout.Handler
	chain    *hooks.Chain
	tracer   *trace.Tracer
	history  *history.Coordinator
	counter  *tokens.Counter
	table    *state.Table
	logger   *zap.Logger

	mu       sync.Mutex
	machines map[string]*state.Machine
}

// New creates an executor. All collaborators are required except chain
// and tracer, which may be nil for barebones embedding.
func New(
	reg *registry.Registry,
	cache *idempotency.Cache,
	timeouts *timeout.Handler,
	chain *hooks.Chain,
	tracer *trace.Tracer,
	hist *history.Coordinator,
	counter *tokens.Counter,
	table *state.Table,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chain == nil {
		chain = hooks.NewChain(logger)
	}
	if counter == nil {
		counter = tokens.NewCounter(logger)
	}
	return &Executor{
		registry: reg,
		cache:    cache,
		timeouts: timeouts,
		chain:    chain,
		tracer:   tracer,
		history:  hist,
		counter:  counter,
		table:    table,
		logger:   logger,
		machines: make(map[string]*state.Machine),
	}
}

// Machine returns the state machine for a conversation, creating it at
// IDLE on first use.
func (e *Executor) Machine(convID string) *state.Machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[convID]
	if !ok {
		m = state.NewMachine(e.table)
		e.machines[convID] = m
	}
	return m
}

// ActiveTools returns the tool IDs callable in the conversation's
// current state.
func (e *Executor) ActiveTools(convID string) []string {
	m := e.Machine(convID)
	return m.ActiveTools(m.Current(), e.registry.IDs())
}

// Transition drives the conversation's state machine. A
// *state.TransitionError is returned on an illegal edge; the state is
// unchanged.
func (e *Executor) Transition(convID string, to state.AgentState) error {
	return e.Machine(convID).Transition(to)
}

// History exposes the context coordinator for the agent loop.
func (e *Executor) History() *history.Coordinator { return e.history }

// Tracer exposes the tracer for the agent loop.
func (e *Executor) Tracer() *trace.Tracer { return e.tracer }

// Execute runs one tool call through the pipeline. Tool-level failures
// (bad args, execution errors, timeouts, hook blocks, state rejection)
// are recovered into the returned envelope; only infrastructure errors
// (cancelled caller context) surface as Go errors.
func (e *Executor) Execute(ctx context.Context, call ToolCall) (*envelope.Envelope, error) {
	machine := e.Machine(call.ConversationID)

	// The tool_call span opens before any work so its duration covers
	// the whole call, not just the bookkeeping after it.
	spanID := e.beginSpan(call)

	// Fail fast: rejection happens before hooks, cache, or any other
	// side effect.
	if !machine.Allows(call.Tool) {
		metrics.ToolRejections.WithLabelValues(call.Tool, "state").Inc()
		e.logger.Info("Tool rejected by state machine",
			zap.String("conversation_id", call.ConversationID),
			zap.String("tool", call.Tool),
			zap.String("state", string(machine.Current())),
		)
		return e.record(ctx, call, spanID, envelope.Failure(call.Tool,
			"tool not available in state "+string(machine.Current()),
			&envelope.ErrorDetail{
				Code:    "state_rejected",
				Message: "tool group is not active in state " + string(machine.Current()),
			}), nil)
	}

	desc, ok := e.registry.Get(call.Tool)
	if !ok {
		metrics.ToolRejections.WithLabelValues(call.Tool, "unknown").Inc()
		return e.record(ctx, call, spanID, envelope.Failure(call.Tool,
			"unknown tool "+call.Tool,
			&envelope.ErrorDetail{Code: "unknown_tool", Message: "tool is not registered"}), nil)
	}

	if err := registry.ValidateArgs(desc, call.Args); err != nil {
		var execErr *registry.ExecutionError
		detail := &envelope.ErrorDetail{Code: "invalid_arguments", Message: err.Error()}
		if errors.As(err, &execErr) {
			detail.Message = execErr.Message
		}
		metrics.ToolRejections.WithLabelValues(call.Tool, "arguments").Inc()
		return e.record(ctx, call, spanID, envelope.Failure(call.Tool, "invalid arguments: "+detail.Message, detail), nil)
	}

	tc := &hooks.ToolContext{
		ConversationID: call.ConversationID,
		State:          machine.Current(),
		Tool:           call.Tool,
		Args:           call.Args,
	}
	if d := e.chain.RunPre(ctx, tc); !d.Allow {
		metrics.ToolRejections.WithLabelValues(call.Tool, "hook").Inc()
		env := envelope.Failure(call.Tool, "blocked: "+d.Reason,
			&envelope.ErrorDetail{Code: "hook_blocked", Message: d.Reason})
		e.chain.RunPost(ctx, tc, env)
		return e.record(ctx, call, spanID, env, nil)
	}

	fp := idempotency.Fingerprint(call.Tool, call.Args)
	start := time.Now()
	env, err := e.cache.GetOrCompute(ctx, call.Tool, fp, desc.CachePolicy, func(computeCtx context.Context) (*envelope.Envelope, error) {
		return e.timeouts.RunWithRetries(computeCtx, call.Tool, desc.Timeout, func(runCtx context.Context) (*envelope.Envelope, error) {
			return e.invoke(runCtx, desc, call), nil
		})
	})
	if err != nil {
		e.endSpan(ctx, spanID, trace.SpanError, nil)
		return nil, err
	}
	if !env.Telemetry.CacheHit {
		env.Telemetry.LatencyMS = time.Since(start).Milliseconds()
	}
	env.Telemetry.TokensEstimate = e.counter.Estimate(tokens.FamilyDefault, env.Render(desc.OutputLevel))

	metrics.ToolExecutions.WithLabelValues(call.Tool, string(env.Status)).Inc()
	metrics.ToolExecutionDuration.WithLabelValues(call.Tool).Observe(float64(env.Telemetry.LatencyMS))

	e.chain.RunPost(ctx, tc, env)
	return e.record(ctx, call, spanID, env, desc)
}

// invoke runs the tool body and wraps its outcome into an envelope.
// ToolExecutionError and any other invocation failure are recovered
// here; nothing raises past the pipeline.
func (e *Executor) invoke(ctx context.Context, desc *registry.Descriptor, call ToolCall) *envelope.Envelope {
	ctx = tools.WithConversationID(ctx, call.ConversationID)
	payload, err := desc.Invoke(ctx, call.Args)
	if err != nil {
		var execErr *registry.ExecutionError
		if errors.As(err, &execErr) {
			return envelope.Failure(call.Tool, execErr.Message, &envelope.ErrorDetail{
				Code:    execErr.Code,
				Message: execErr.Message,
			})
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The timeout handler owns classification of deadline
			// expiry; report a plain error if we got here first.
			return envelope.Failure(call.Tool, "execution cancelled", &envelope.ErrorDetail{
				Code:    "cancelled",
				Message: err.Error(),
			})
		}
		return envelope.Failure(call.Tool, "tool execution failed: "+err.Error(), &envelope.ErrorDetail{
			Code:    "tool_error",
			Message: err.Error(),
		})
	}

	summary := "tool " + call.Tool + " completed"
	if desc.Summarize != nil {
		if s := desc.Summarize(payload); s != "" {
			summary = s
		}
	}
	env := envelope.Success(call.Tool, summary, payload)
	env.OutputLevel = desc.OutputLevel
	return env
}

// beginSpan opens the tool_call span. Returns "" when tracing is off
// or the span could not be started; the call proceeds regardless.
func (e *Executor) beginSpan(call ToolCall) string {
	if e.tracer == nil {
		return ""
	}
	spanID, err := e.tracer.BeginSpan(call.ConversationID, call.ParentSpanID, call.Tool, trace.SpanToolCall,
		map[string]interface{}{"tool": call.Tool})
	if err != nil {
		e.logger.Warn("Failed to begin tool span", zap.Error(err))
		return ""
	}
	return spanID
}

func (e *Executor) endSpan(ctx context.Context, spanID string, status trace.SpanStatus, attrs map[string]interface{}) {
	if e.tracer == nil || spanID == "" {
		return
	}
	if err := e.tracer.EndSpan(ctx, spanID, status, attrs); err != nil {
		e.logger.Warn("Failed to end tool span", zap.Error(err))
	}
}

// record closes the call's span with the final outcome and appends the
// rendered envelope to the conversation window. Called for every
// outcome, including rejections, so the LLM always observes what
// happened.
func (e *Executor) record(ctx context.Context, call ToolCall, spanID string, env *envelope.Envelope, desc *registry.Descriptor) (*envelope.Envelope, error) {
	spanStatus := trace.SpanSuccess
	if env.Status != envelope.StatusSuccess {
		spanStatus = trace.SpanError
	}
	e.endSpan(ctx, spanID, spanStatus, map[string]interface{}{
		"cache_hit": env.Telemetry.CacheHit,
		"tokens":    env.Telemetry.TokensEstimate,
		"retries":   env.Telemetry.Retries,
	})

	if e.history != nil {
		level := env.OutputLevel
		if desc != nil {
			level = desc.OutputLevel
		}
		if err := e.history.Append(call.ConversationID, history.RoleTool, env.Render(level)); err != nil {
			var overflow *history.OverflowError
			if errors.As(err, &overflow) {
				// Context overflow is fatal to the turn: surface it.
				return env, err
			}
			return env, err
		}
	}
	return env, nil
}
