// Package policy evaluates Rego policies over tool calls. The engine
// is exposed to the pipeline as a pre-hook: a deny decision blocks the
// call before execution.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/hooks"
)

// decisionQuery is the rego entrypoint every policy bundle must define.
const decisionQuery = "data.helix.tools.decision"

// Config holds policy engine settings.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// FailClosed denies tool calls when policies cannot be loaded or
	// evaluated. Off by default for dev environments.
	FailClosed bool `mapstructure:"fail_closed"`
}

// Input is the evaluation context for one tool call.
type Input struct {
	ConversationID string                 `json:"conversation_id"`
	State          string                 `json:"state"`
	Tool           string                 `json:"tool"`
	Args           map[string]interface{} `json:"args,omitempty"`
}

// Decision is the policy verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine compiles and evaluates rego policies.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
}

// NewEngine loads and compiles all .rego files under cfg.Path. With
// FailClosed off, load failures degrade to an allow-all engine.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{cfg: cfg, logger: logger, enabled: cfg.Enabled}
	if !e.enabled {
		return e, nil
	}
	if err := e.loadPolicies(); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
		e.enabled = false
	}
	return e, nil
}

func (e *Engine) loadPolicies() error {
	policies := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.cfg.Path, path)
			moduleName := strings.TrimSuffix(relPath, ".rego")
			policies[moduleName] = string(content)
			e.logger.Debug("Loaded policy file",
				zap.String("path", path),
				zap.String("module", moduleName),
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policy files found in %s", e.cfg.Path)
	}

	regoOptions := []func(*rego.Rego){rego.Query(decisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}
	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}
	e.compiled = &compiled
	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
	)
	return nil
}

// Evaluate runs the decision query for one tool call.
func (e *Engine) Evaluate(ctx context.Context, in *Input) (*Decision, error) {
	if !e.enabled || e.compiled == nil {
		return &Decision{Allow: !e.cfg.FailClosed, Reason: "policy engine disabled"}, nil
	}

	inputMap := map[string]interface{}{
		"conversation_id": in.ConversationID,
		"state":           in.State,
		"tool":            in.Tool,
		"args":            in.Args,
	}
	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		if e.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation failed"}, err
		}
		e.logger.Warn("Policy evaluation failed, allowing", zap.Error(err))
		return &Decision{Allow: true, Reason: "policy evaluation failed (fail-open)"}, nil
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &Decision{Allow: !e.cfg.FailClosed, Reason: "no policy decision"}, nil
	}

	d := &Decision{}
	if m, ok := results[0].Expressions[0].Value.(map[string]interface{}); ok {
		if allow, ok := m["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := m["reason"].(string); ok {
			d.Reason = reason
		}
	}
	if d.Reason == "" && !d.Allow {
		d.Reason = "denied by policy"
	}
	return d, nil
}

// Hook adapts the engine to the pipeline's pre-hook interface.
type Hook struct {
	engine *Engine
}

// NewHook wraps an engine.
func NewHook(engine *Engine) *Hook { return &Hook{engine: engine} }

func (h *Hook) Name() string { return "policy" }

// Before evaluates the policy for the tool call.
func (h *Hook) Before(ctx context.Context, tc *hooks.ToolContext) hooks.Decision {
	d, err := h.engine.Evaluate(ctx, &Input{
		ConversationID: tc.ConversationID,
		State:          string(tc.State),
		Tool:           tc.Tool,
		Args:           tc.Args,
	})
	if err != nil && d != nil && !d.Allow {
		return hooks.Block(d.Reason)
	}
	if d != nil && !d.Allow {
		return hooks.Block(d.Reason)
	}
	return hooks.Allow()
}
