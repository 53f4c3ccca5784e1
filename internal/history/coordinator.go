// Package history owns conversation context windows. The Coordinator
// is the single entry point for mutating a window: every append runs
// compaction, and compaction keeps the window under its token budget by
// dropping or summarizing the oldest non-system turns while preserving
// the system prompt and the most recent turns.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/metrics"
	"github.com/helix-bi/helix/go/pipeline/internal/tokens"
)

// Role classifies a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a conversation window.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
	// summary marks turns synthesized by compaction so they are
	// droppable again under further pressure.
	summary bool
}

// OverflowError reports that no safe compaction can bring the window
// under budget. The caller must intervene: shorten input, raise the
// budget, or drop the turn explicitly.
type OverflowError struct {
	ConversationID string
	TotalTokens    int
	Budget         int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("context overflow for conversation %s: %d tokens exceeds budget %d with no droppable turns",
		e.ConversationID, e.TotalTokens, e.Budget)
}

// Summarizer condenses dropped turns into one replacement turn. It may
// be nil, in which case dropped turns are simply removed.
type Summarizer func(dropped []Turn) string

// Config holds window policy.
type Config struct {
	Budget         int
	PreserveRecent int
	ModelFamily    tokens.ModelFamily
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Budget:         8000,
		PreserveRecent: 4,
		ModelFamily:    tokens.FamilyDefault,
	}
}

type window struct {
	mu          sync.Mutex
	turns       []Turn
	totalTokens int
}

// Coordinator manages one window per conversation. Mutations of a
// single window are serialized by its mutex; windows of different
// conversations are independent.
type Coordinator struct {
	mu         sync.RWMutex
	windows    map[string]*window
	counter    *tokens.Counter
	cfg        Config
	summarizer Summarizer
	logger     *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, counter *tokens.Counter, summarizer Summarizer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokens.NewCounter(logger)
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultConfig().Budget
	}
	if cfg.PreserveRecent <= 0 {
		cfg.PreserveRecent = DefaultConfig().PreserveRecent
	}
	return &Coordinator{
		windows:    make(map[string]*window),
		counter:    counter,
		cfg:        cfg,
		summarizer: summarizer,
		logger:     logger,
	}
}

func (c *Coordinator) windowFor(convID string) *window {
	c.mu.RLock()
	w, ok := c.windows[convID]
	c.mu.RUnlock()
	if ok {
		return w
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok = c.windows[convID]; ok {
		return w
	}
	w = &window{}
	c.windows[convID] = w
	return w
}

// Append adds a turn and immediately compacts if the window exceeds
// its budget. After return the window is under budget or an
// OverflowError has been raised (with the turn still appended so the
// caller can drop it explicitly).
func (c *Coordinator) Append(convID string, role Role, content string) error {
	w := c.windowFor(convID)
	w.mu.Lock()
	defer w.mu.Unlock()

	t := Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Tokens:    c.counter.EstimateMessages(c.cfg.ModelFamily, []tokens.Message{{Role: string(role), Content: content}}),
		CreatedAt: time.Now(),
	}
	w.turns = append(w.turns, t)
	w.totalTokens += t.Tokens

	return c.compactLocked(convID, w)
}

// CompactIfNeeded compacts the window when over budget. Idempotent:
// repeated calls with no new turns are no-ops.
func (c *Coordinator) CompactIfNeeded(convID string) error {
	w := c.windowFor(convID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return c.compactLocked(convID, w)
}

func (c *Coordinator) compactLocked(convID string, w *window) error {
	defer metrics.ContextTokens.WithLabelValues(convID).Set(float64(w.totalTokens))
	if w.totalTokens <= c.cfg.Budget {
		return nil
	}

	compacted := false
	for w.totalTokens > c.cfg.Budget {
		idx := c.oldestDroppableLocked(w)
		if idx < 0 {
			metrics.ContextOverflows.Inc()
			c.logger.Warn("Context overflow, no droppable turns",
				zap.String("conversation_id", convID),
				zap.Int("total_tokens", w.totalTokens),
				zap.Int("budget", c.cfg.Budget),
			)
			return &OverflowError{
				ConversationID: convID,
				TotalTokens:    w.totalTokens,
				Budget:         c.cfg.Budget,
			}
		}

		// Drop a contiguous run of droppable turns starting at idx so a
		// summarizer sees the whole region at once.
		end := idx
		for end < len(w.turns)-c.cfg.PreserveRecent && c.droppable(w, end) {
			end++
		}
		dropped := make([]Turn, end-idx)
		copy(dropped, w.turns[idx:end])
		for _, d := range dropped {
			w.totalTokens -= d.Tokens
		}

		var replacement []Turn
		if c.summarizer != nil {
			if text := c.summarizer(dropped); text != "" {
				st := Turn{
					ID:        uuid.New().String(),
					Role:      RoleAssistant,
					Content:   text,
					Tokens:    c.counter.EstimateMessages(c.cfg.ModelFamily, []tokens.Message{{Role: string(RoleAssistant), Content: text}}),
					CreatedAt: time.Now(),
					summary:   true,
				}
				// Only keep the summary if it actually shrinks the window.
				droppedTokens := 0
				for _, d := range dropped {
					droppedTokens += d.Tokens
				}
				if st.Tokens < droppedTokens {
					replacement = []Turn{st}
					w.totalTokens += st.Tokens
				}
			}
		}

		rest := make([]Turn, 0, len(w.turns)-len(dropped)+len(replacement))
		rest = append(rest, w.turns[:idx]...)
		rest = append(rest, replacement...)
		rest = append(rest, w.turns[end:]...)
		w.turns = rest
		compacted = true
	}

	if compacted {
		metrics.ContextCompactions.Inc()
		c.logger.Debug("Compacted context window",
			zap.String("conversation_id", convID),
			zap.Int("total_tokens", w.totalTokens),
			zap.Int("turns", len(w.turns)),
		)
	}
	return nil
}

// droppable reports whether the turn at idx may be removed: not a
// system turn and not within the protected recent tail.
func (c *Coordinator) droppable(w *window, idx int) bool {
	if idx >= len(w.turns)-c.cfg.PreserveRecent {
		return false
	}
	return w.turns[idx].Role != RoleSystem
}

func (c *Coordinator) oldestDroppableLocked(w *window) int {
	for i := range w.turns {
		if c.droppable(w, i) {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of the window's turns.
func (c *Coordinator) Snapshot(convID string) []Turn {
	w := c.windowFor(convID)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// TotalTokens returns the running token estimate for the window.
func (c *Coordinator) TotalTokens(convID string) int {
	w := c.windowFor(convID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalTokens
}

// DropLast removes the most recent turn. This is the explicit escape
// hatch after an OverflowError.
func (c *Coordinator) DropLast(convID string) bool {
	w := c.windowFor(convID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return false
	}
	last := w.turns[len(w.turns)-1]
	w.turns = w.turns[:len(w.turns)-1]
	w.totalTokens -= last.Tokens
	metrics.ContextTokens.WithLabelValues(convID).Set(float64(w.totalTokens))
	return true
}

// Forget discards a conversation's window entirely.
func (c *Coordinator) Forget(convID string) {
	c.mu.Lock()
	delete(c.windows, convID)
	c.mu.Unlock()
	metrics.ContextTokens.DeleteLabelValues(convID)
}
