// Package timeout wraps tool computations with a deadline and
// cooperative cancellation. A computation that misses its deadline is
// cancelled through its context (which propagates to subprocess and
// container boundaries) and reported as a timeout envelope; it is never
// silently abandoned.
package timeout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
	"github.com/helix-bi/helix/go/pipeline/internal/metrics"
)

// Config holds timeout tuning.
type Config struct {
	Default    time.Duration
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Default:    30 * time.Second,
		MaxRetries: 1,
	}
}

// ComputeFunc runs the tool body. It must honor ctx cancellation:
// sandboxed executions are killed through the same context.
type ComputeFunc func(ctx context.Context) (*envelope.Envelope, error)

// Handler enforces deadlines around tool computations.
type Handler struct {
	cfg    Config
	logger *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Default <= 0 {
		cfg.Default = DefaultConfig().Default
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Handler{cfg: cfg, logger: logger}
}

type result struct {
	env *envelope.Envelope
	err error
}

// Run executes compute under the given deadline. A zero maxDuration
// uses the configured default. On deadline expiry the computation's
// context is cancelled and a timeout envelope is returned; the
// goroutine running compute drains once it observes cancellation.
func (h *Handler) Run(ctx context.Context, tool string, maxDuration time.Duration, compute ComputeFunc) (*envelope.Envelope, error) {
	if maxDuration <= 0 {
		maxDuration = h.cfg.Default
	}
	runCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		env, err := compute(runCtx)
		done <- result{env: env, err: err}
	}()

	select {
	case r := <-done:
		return r.env, r.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// The caller went away; this is not a tool timeout.
			return nil, ctx.Err()
		}
		metrics.ToolTimeouts.WithLabelValues(tool).Inc()
		h.logger.Warn("Tool execution timed out",
			zap.String("tool", tool),
			zap.Duration("max_duration", maxDuration),
		)
		return envelope.Timeout(tool, maxDuration), nil
	}
}

// RunWithRetries retries timed-out executions up to the configured
// count before surfacing the timeout as a persistent failure. The
// retry count is recorded in the returned envelope's telemetry.
func (h *Handler) RunWithRetries(ctx context.Context, tool string, maxDuration time.Duration, compute ComputeFunc) (*envelope.Envelope, error) {
	var env *envelope.Envelope
	var err error
	retries := 0
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			retries++
			metrics.ToolRetries.WithLabelValues(tool).Inc()
			h.logger.Info("Retrying timed-out tool",
				zap.String("tool", tool),
				zap.Int("attempt", attempt+1),
			)
		}
		env, err = h.Run(ctx, tool, maxDuration, compute)
		if err != nil {
			return nil, err
		}
		if env.Status != envelope.StatusTimeout {
			break
		}
	}
	if env != nil {
		env.Telemetry.Retries = retries
	}
	return env, nil
}
