// Package pricing loads the per-model price table used to derive cost
// estimates from token counts in trace summaries.
package pricing

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ModelPrice holds per-1k-token pricing for one model.
type ModelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

type config struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]ModelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// Table is an injectable price table. Safe for concurrent reads after
// Load; reloads take the write lock.
type Table struct {
	mu       sync.RWMutex
	models   map[string]ModelPrice
	fallback float64
	logger   *zap.Logger
}

// defaultCombinedPer1K applies when a model has no configured price.
const defaultCombinedPer1K = 0.005

// NewTable returns an empty table that prices every model at the
// built-in default.
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		models:   make(map[string]ModelPrice),
		fallback: defaultCombinedPer1K,
		logger:   logger,
	}
}

// Load reads pricing from models.yaml. Provider nesting is flattened:
// models are looked up by bare model name.
func Load(path string, logger *zap.Logger) (*Table, error) {
	t := NewTable(logger)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.logger.Warn("Pricing config not found, using defaults", zap.String("path", path))
			return t, nil
		}
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Pricing.Defaults.CombinedPer1K > 0 {
		t.fallback = cfg.Pricing.Defaults.CombinedPer1K
	}
	for _, models := range cfg.Pricing.Models {
		for model, price := range models {
			t.models[model] = price
		}
	}
	t.logger.Info("Loaded pricing table",
		zap.String("path", path),
		zap.Int("models", len(t.models)),
	)
	return t, nil
}

// SetModel sets or overrides the price for a model.
func (t *Table) SetModel(model string, price ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[model] = price
}

// CostUSD prices a call. When input/output rates are configured they
// are applied separately; otherwise the combined rate covers the sum.
func (t *Table) CostUSD(model string, inputTokens, outputTokens int) float64 {
	t.mu.RLock()
	price, ok := t.models[model]
	fallback := t.fallback
	t.mu.RUnlock()

	if !ok {
		return float64(inputTokens+outputTokens) / 1000.0 * fallback
	}
	if price.InputPer1K > 0 || price.OutputPer1K > 0 {
		return float64(inputTokens)/1000.0*price.InputPer1K +
			float64(outputTokens)/1000.0*price.OutputPer1K
	}
	if price.CombinedPer1K > 0 {
		return float64(inputTokens+outputTokens) / 1000.0 * price.CombinedPer1K
	}
	return float64(inputTokens+outputTokens) / 1000.0 * fallback
}
