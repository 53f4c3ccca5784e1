package skills

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/registry"
)

// ToolID returns the registry identifier for a skill. Dashes are
// normalized so the id stays within the skill_* group convention.
func ToolID(name string) string {
	return "skill_" + strings.ReplaceAll(name, "-", "_")
}

// RegisterTools exposes every enabled skill in the library as a
// skill_* tool. Invoking the tool activates the skill: the payload
// carries the skill's instruction content and tool requirements for
// the LLM to fold into its next turn.
func RegisterTools(lib *Library, reg *registry.Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, e := range lib.List() {
		if !e.Skill.Enabled {
			continue
		}
		if err := reg.Register(descriptorFor(lib, e.Skill.Name)); err != nil {
			return err
		}
	}
	return nil
}

func descriptorFor(lib *Library, name string) *registry.Descriptor {
	id := ToolID(name)
	entry, _ := lib.Get(name)
	desc := ""
	var timeout time.Duration
	policy := idempotency.PolicyEternal // skill content is immutable per load
	if entry != nil {
		desc = entry.Skill.Description
		if entry.Skill.TimeoutSecs > 0 {
			timeout = time.Duration(entry.Skill.TimeoutSecs) * time.Second
		}
		if entry.Skill.CachePolicy != "" {
			policy = idempotency.Policy(entry.Skill.CachePolicy)
		}
	}
	return &registry.Descriptor{
		ID:          id,
		Description: desc,
		CachePolicy: policy,
		Timeout:     timeout,
		Invoke: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			e, ok := lib.Get(name)
			if !ok || !e.Skill.Enabled {
				return nil, registry.NewExecutionError(id, "skill_unavailable", "skill is not loaded or disabled")
			}
			return map[string]interface{}{
				"name":           e.Skill.Name,
				"version":        e.Skill.Version,
				"instructions":   e.Skill.Content,
				"requires_tools": e.Skill.RequiresTools,
			}, nil
		},
	}
}
