// Package registry maps stable tool identifiers to typed handler
// descriptors: group prefix, cache policy, output level, timeout
// override, and argument schema. Descriptors are resolved once at
// startup, never re-parsed per call.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/state"
)

// ArgType is the declared type of a tool argument.
type ArgType string

const (
	ArgString ArgType = "string"
	ArgInt    ArgType = "int"
	ArgFloat  ArgType = "float"
	ArgBool   ArgType = "bool"
	ArgObject ArgType = "object"
	ArgArray  ArgType = "array"
)

// ArgSpec declares one argument of a tool.
type ArgSpec struct {
	Name        string  `json:"name"`
	Type        ArgType `json:"type"`
	Required    bool    `json:"required"`
	Description string  `json:"description,omitempty"`
}

// ExecutionError is a tool-internal failure or argument problem. The
// pipeline recovers it into an error envelope; it never propagates up
// through the agent loop.
type ExecutionError struct {
	Tool    string
	Code    string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed [%s]: %s", e.Tool, e.Code, e.Message)
}

// NewExecutionError builds an ExecutionError.
func NewExecutionError(tool, code, message string) *ExecutionError {
	return &ExecutionError{Tool: tool, Code: code, Message: message}
}

// InvokeFunc is the tool body: it returns the raw payload or an error
// (ideally an *ExecutionError).
type InvokeFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Descriptor describes one registered tool.
type Descriptor struct {
	ID          string
	Description string
	Group       state.ToolGroup
	CachePolicy idempotency.Policy
	OutputLevel envelope.OutputLevel
	Timeout     time.Duration // zero means the pipeline default
	Args        []ArgSpec
	Invoke      InvokeFunc
	// Summarize builds the envelope summary for a successful payload.
	// When nil the pipeline falls back to a generic summary.
	Summarize func(payload interface{}) string
}

// Registry holds tool descriptors. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Descriptor
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*Descriptor),
		logger: logger,
	}
}

// Register validates and adds a descriptor. The tool ID must carry a
// known group prefix, which becomes the descriptor's Group.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("tool descriptor missing id")
	}
	group, ok := state.GroupOf(d.ID)
	if !ok {
		return fmt.Errorf("tool %q has no recognized group prefix", d.ID)
	}
	if d.Invoke == nil {
		return fmt.Errorf("tool %q has no invoke func", d.ID)
	}
	if d.CachePolicy == "" {
		d.CachePolicy = idempotency.PolicyNoCache
	}
	if d.OutputLevel == "" {
		d.OutputLevel = envelope.LevelStandard
	}
	d.Group = group

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.ID]; exists {
		return fmt.Errorf("tool %q already registered", d.ID)
	}
	r.tools[d.ID] = d
	r.logger.Info("Registered tool",
		zap.String("tool", d.ID),
		zap.String("group", string(group)),
		zap.String("cache_policy", string(d.CachePolicy)),
	)
	return nil
}

// Unregister removes a tool (used by skill hot-reload).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, id)
}

// Get returns a descriptor.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[id]
	return d, ok
}

// IDs returns all registered tool IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for id := range r.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// List returns all descriptors, sorted by ID.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateArgs checks args against the descriptor's schema: required
// fields present, declared types respected, no undeclared fields.
func ValidateArgs(d *Descriptor, args map[string]interface{}) error {
	declared := make(map[string]ArgSpec, len(d.Args))
	for _, spec := range d.Args {
		declared[spec.Name] = spec
		if spec.Required {
			if _, ok := args[spec.Name]; !ok {
				return NewExecutionError(d.ID, "invalid_arguments",
					fmt.Sprintf("missing required argument %q", spec.Name))
			}
		}
	}
	for name, val := range args {
		spec, ok := declared[name]
		if !ok {
			return NewExecutionError(d.ID, "invalid_arguments",
				fmt.Sprintf("unknown argument %q", name))
		}
		if !typeMatches(spec.Type, val) {
			return NewExecutionError(d.ID, "invalid_arguments",
				fmt.Sprintf("argument %q is not a %s", name, spec.Type))
		}
	}
	return nil
}

func typeMatches(t ArgType, v interface{}) bool {
	if v == nil {
		return true
	}
	switch t {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgInt:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			// JSON numbers decode to float64; accept integral values.
			return n == float64(int64(n))
		default:
			return false
		}
	case ArgFloat:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		default:
			return false
		}
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgObject:
		_, ok := v.(map[string]interface{})
		return ok
	case ArgArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return false
	}
}
