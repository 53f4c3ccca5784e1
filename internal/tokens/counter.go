// Package tokens estimates token costs of text and message histories
// per model family. Estimates are deterministic and monotonic in input
// length for a fixed family; different families use different
// character-per-token ratios.
package tokens

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ModelFamily identifies a tokenizer approximation.
type ModelFamily string

const (
	FamilyGPT     ModelFamily = "gpt"
	FamilyClaude  ModelFamily = "claude"
	FamilyDefault ModelFamily = "default"
)

// Message is a minimal role/content pair used for history estimation.
type Message struct {
	Role    string
	Content string
}

type familyProfile struct {
	// CharsPerToken is the approximation divisor. Conservative (low)
	// values overestimate so compaction triggers before hard limits.
	CharsPerToken int `yaml:"chars_per_token"`
	// MessageOverhead accounts for role/formatting tokens per message.
	MessageOverhead int `yaml:"message_overhead"`
}

// Counter estimates tokens per model family. Safe for concurrent use.
type Counter struct {
	mu       sync.RWMutex
	profiles map[ModelFamily]familyProfile
	logger   *zap.Logger
}

// NewCounter returns a counter with built-in family profiles.
func NewCounter(logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{
		profiles: map[ModelFamily]familyProfile{
			FamilyGPT:     {CharsPerToken: 4, MessageOverhead: 5},
			FamilyClaude:  {CharsPerToken: 4, MessageOverhead: 4},
			FamilyDefault: {CharsPerToken: 4, MessageOverhead: 5},
		},
		logger: logger,
	}
}

type ratioConfig struct {
	Tokenization struct {
		Families map[string]familyProfile `yaml:"families"`
	} `yaml:"tokenization"`
}

// LoadRatios merges family profiles from models.yaml. Unknown or
// malformed entries are skipped; a missing file is not an error so the
// built-in defaults keep working in dev environments.
func (c *Counter) LoadRatios(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Debug("No tokenization config found, using defaults", zap.String("path", path))
			return nil
		}
		return err
	}
	var cfg ratioConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range cfg.Tokenization.Families {
		if p.CharsPerToken <= 0 {
			c.logger.Warn("Skipping tokenization family with invalid ratio", zap.String("family", name))
			continue
		}
		if p.MessageOverhead < 0 {
			p.MessageOverhead = 0
		}
		c.profiles[ModelFamily(name)] = p
	}
	return nil
}

// FamilyForModel maps a model identifier to a family by prefix.
func FamilyForModel(model string) ModelFamily {
	switch {
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return FamilyGPT
	case strings.HasPrefix(model, "claude"):
		return FamilyClaude
	default:
		return FamilyDefault
	}
}

func (c *Counter) profile(family ModelFamily) familyProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[family]; ok {
		return p
	}
	return c.profiles[FamilyDefault]
}

// Estimate returns the token estimate for a single text. Monotonic in
// len(text) for a fixed family.
func (c *Counter) Estimate(family ModelFamily, text string) int {
	if text == "" {
		return 0
	}
	p := c.profile(family)
	return len(text)/p.CharsPerToken + 1
}

// EstimateMessages returns the estimate for a message history,
// including per-message formatting overhead.
func (c *Counter) EstimateMessages(family ModelFamily, msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}
	p := c.profile(family)
	total := 0
	for _, m := range msgs {
		if m.Content != "" {
			total += len(m.Content)/p.CharsPerToken + 1
		}
		total += p.MessageOverhead
	}
	return total
}
