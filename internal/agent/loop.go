// Package agent runs the reasoning loop: hand the LLM the conversation
// window plus the currently active tool set, execute whatever it asks
// for through the pipeline, and feed the result back until it produces
// a final answer or the iteration budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/history"
	"github.com/helix-bi/helix/go/pipeline/internal/metrics"
	"github.com/helix-bi/helix/go/pipeline/internal/pipeline"
	"github.com/helix-bi/helix/go/pipeline/internal/state"
	"github.com/helix-bi/helix/go/pipeline/internal/trace"
)

// CompletionRequest is one LLM turn: the window so far and the tools
// the model may call right now.
type CompletionRequest struct {
	ConversationID string
	Turns          []history.Turn
	ActiveTools    []string
	State          state.AgentState
}

// Completion is the LLM's reply. Exactly one of ToolCall or
// FinalAnswer is set; NextState optionally requests a transition
// before the next iteration.
type Completion struct {
	ToolCall    *ToolRequest
	FinalAnswer string
	NextState   state.AgentState
	Model       string
	TokensIn    int
	TokensOut   int
}

// ToolRequest is the model's choice of tool and arguments.
type ToolRequest struct {
	Tool string
	Args map[string]interface{}
}

// LLMClient abstracts the model provider.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Config bounds a single Run.
type Config struct {
	MaxIterations int `mapstructure:"max_iterations"`
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 20}
}

// Result is the outcome of one agent run.
type Result struct {
	ConversationID string
	Answer         string
	Iterations     int
	DurationMS     int64
}

// Loop drives conversations against an executor.
type Loop struct {
	exec   *pipeline.Executor
	llm    LLMClient
	cfg    Config
	logger *zap.Logger
}

// NewLoop creates a loop.
func NewLoop(exec *pipeline.Executor, llm LLMClient, cfg Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	return &Loop{exec: exec, llm: llm, cfg: cfg, logger: logger}
}

// Run answers one user message. The whole run lives under a single
// agent_invoke span; each model turn gets an llm_call child and each
// tool call a tool_call child.
func (l *Loop) Run(ctx context.Context, convID, userMessage string) (*Result, error) {
	metrics.ConversationsActive.Inc()
	defer metrics.ConversationsActive.Dec()

	start := time.Now()
	tracer := l.exec.Tracer()
	var rootID string
	if tracer != nil {
		id, err := tracer.BeginSpan(convID, "", "agent_invoke", trace.SpanAgentInvoke, map[string]interface{}{
			"message_len": len(userMessage),
		})
		if err != nil {
			l.logger.Warn("Failed to begin root span", zap.Error(err))
		} else {
			rootID = id
		}
	}

	res, runErr := l.run(ctx, convID, userMessage, rootID)

	if tracer != nil && rootID != "" {
		status := trace.SpanSuccess
		if runErr != nil {
			status = trace.SpanError
		}
		attrs := map[string]interface{}{}
		if res != nil {
			attrs["iterations"] = res.Iterations
		}
		if err := tracer.EndSpan(ctx, rootID, status, attrs); err != nil {
			l.logger.Warn("Failed to end root span", zap.Error(err))
		}
	}
	if res != nil {
		res.DurationMS = time.Since(start).Milliseconds()
	}
	return res, runErr
}

func (l *Loop) run(ctx context.Context, convID, userMessage, rootID string) (*Result, error) {
	hist := l.exec.History()
	if err := hist.Append(convID, history.RoleUser, userMessage); err != nil {
		return nil, err
	}

	machine := l.exec.Machine(convID)
	if machine.Current() == state.StateIdle {
		if err := l.exec.Transition(convID, state.StateQuery); err != nil {
			return nil, err
		}
	}

	res := &Result{ConversationID: convID}
	for i := 0; i < l.cfg.MaxIterations; i++ {
		res.Iterations = i + 1
		if err := ctx.Err(); err != nil {
			return res, err
		}

		completion, err := l.complete(ctx, convID, rootID)
		if err != nil {
			return res, err
		}

		if completion.NextState != "" && completion.NextState != machine.Current() {
			if err := l.exec.Transition(convID, completion.NextState); err != nil {
				var te *state.TransitionError
				if errors.As(err, &te) {
					// Refused transitions are reported to the model
					// like any other failure and the loop continues.
					l.logger.Warn("Model requested illegal transition",
						zap.String("conversation_id", convID),
						zap.String("from", string(te.From)),
						zap.String("to", string(te.To)),
					)
					if aerr := hist.Append(convID, history.RoleTool, "state transition refused: "+err.Error()); aerr != nil {
						return res, aerr
					}
				} else {
					return res, err
				}
			}
		}

		if completion.FinalAnswer != "" {
			if err := hist.Append(convID, history.RoleAssistant, completion.FinalAnswer); err != nil {
				return res, err
			}
			if machine.Current() != state.StateDone {
				if err := l.finish(convID, machine); err != nil {
					l.logger.Warn("Could not reach terminal state", zap.Error(err))
				}
			}
			res.Answer = completion.FinalAnswer
			return res, nil
		}

		if completion.ToolCall == nil {
			return res, fmt.Errorf("model returned neither a tool call nor an answer")
		}

		env, err := l.exec.Execute(ctx, pipeline.ToolCall{
			ConversationID: convID,
			Tool:           completion.ToolCall.Tool,
			Args:           completion.ToolCall.Args,
			ParentSpanID:   rootID,
		})
		if err != nil {
			var overflow *history.OverflowError
			if errors.As(err, &overflow) {
				return res, err
			}
			return res, err
		}
		l.logger.Debug("Tool executed",
			zap.String("conversation_id", convID),
			zap.String("tool", completion.ToolCall.Tool),
			zap.String("status", string(env.Status)),
			zap.Bool("cache_hit", env.Telemetry.CacheHit),
		)
	}
	return res, fmt.Errorf("no answer after %d iterations", l.cfg.MaxIterations)
}

// complete runs one model turn under an llm_call span.
func (l *Loop) complete(ctx context.Context, convID, parentID string) (*Completion, error) {
	hist := l.exec.History()
	machine := l.exec.Machine(convID)
	req := CompletionRequest{
		ConversationID: convID,
		Turns:          hist.Snapshot(convID),
		ActiveTools:    l.exec.ActiveTools(convID),
		State:          machine.Current(),
	}

	// The llm_call span brackets the provider round trip so its
	// duration reflects real model latency.
	tracer := l.exec.Tracer()
	var spanID string
	if tracer != nil {
		id, serr := tracer.BeginSpan(convID, parentID, "llm_call", trace.SpanLLMCall, nil)
		if serr != nil {
			l.logger.Warn("Failed to begin llm span", zap.Error(serr))
		} else {
			spanID = id
		}
	}

	completion, err := l.llm.Complete(ctx, req)

	model := "unknown"
	outcome := "success"
	if completion != nil && completion.Model != "" {
		model = completion.Model
	}
	if err != nil {
		outcome = "error"
	}
	metrics.LLMCalls.WithLabelValues(model, outcome).Inc()

	if tracer != nil && spanID != "" {
		attrs := map[string]interface{}{"model": model}
		status := trace.SpanSuccess
		if err != nil {
			status = trace.SpanError
		} else {
			attrs["tokens_in"] = completion.TokensIn
			attrs["tokens_out"] = completion.TokensOut
			metrics.LLMTokens.WithLabelValues(model, "input").Add(float64(completion.TokensIn))
			metrics.LLMTokens.WithLabelValues(model, "output").Add(float64(completion.TokensOut))
		}
		if serr := tracer.EndSpan(ctx, spanID, status, attrs); serr != nil {
			l.logger.Warn("Failed to end llm span", zap.Error(serr))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}
	return completion, nil
}

// finish walks the machine to DONE, detouring through REPORTING when
// the current state has no direct edge.
func (l *Loop) finish(convID string, machine *state.Machine) error {
	if err := l.exec.Transition(convID, state.StateDone); err == nil {
		return nil
	}
	if machine.Current() != state.StateReporting {
		if err := l.exec.Transition(convID, state.StateReporting); err != nil {
			return err
		}
	}
	return l.exec.Transition(convID, state.StateDone)
}
