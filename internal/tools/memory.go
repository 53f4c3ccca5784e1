package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/registry"
	"github.com/helix-bi/helix/go/pipeline/internal/session"
)

// conversationIDKey carries the conversation through tool invocation
// contexts. The pipeline sets it before invoking.
type conversationIDKey struct{}

// WithConversationID attaches the conversation to a tool context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, id)
}

// ConversationIDFrom reads the conversation from a tool context.
func ConversationIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationIDKey{}).(string)
	return id, ok
}

// MemoryTools exposes the conversation memory namespace.
func MemoryTools(store session.Store) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			ID:          "memory_store",
			Description: "Persist a named fact in conversation memory",
			CachePolicy: idempotency.PolicyNoCache, // writes must always execute
			Timeout:     5 * time.Second,
			Args: []registry.ArgSpec{
				{Name: "key", Type: registry.ArgString, Required: true},
				{Name: "value", Type: registry.ArgString, Required: true},
			},
			Invoke: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				convID, ok := ConversationIDFrom(ctx)
				if !ok {
					return nil, registry.NewExecutionError("memory_store", "no_conversation", "no conversation in context")
				}
				conv, err := store.Get(ctx, convID)
				if err != nil {
					return nil, registry.NewExecutionError("memory_store", "conversation_unavailable", err.Error())
				}
				key, _ := args["key"].(string)
				value, _ := args["value"].(string)
				conv.SetMemory(key, value)
				if err := store.Save(ctx, conv); err != nil {
					return nil, registry.NewExecutionError("memory_store", "save_failed", err.Error())
				}
				return map[string]interface{}{"stored": true, "key": key}, nil
			},
		},
		{
			ID:          "memory_recall",
			Description: "Recall a named fact from conversation memory",
			CachePolicy: idempotency.PolicyNoCache, // reads must see latest writes
			Timeout:     5 * time.Second,
			Args: []registry.ArgSpec{
				{Name: "key", Type: registry.ArgString, Required: true},
			},
			Summarize: func(payload interface{}) string {
				if m, ok := payload.(map[string]interface{}); ok {
					return fmt.Sprintf("recalled %q", m["key"])
				}
				return "memory recalled"
			},
			Invoke: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				convID, ok := ConversationIDFrom(ctx)
				if !ok {
					return nil, registry.NewExecutionError("memory_recall", "no_conversation", "no conversation in context")
				}
				conv, err := store.Get(ctx, convID)
				if err != nil {
					return nil, registry.NewExecutionError("memory_recall", "conversation_unavailable", err.Error())
				}
				key, _ := args["key"].(string)
				value, err := conv.GetMemory(key)
				if err != nil {
					if errors.Is(err, session.ErrMemoryKeyNotFound) {
						return nil, registry.NewExecutionError("memory_recall", "not_found",
							fmt.Sprintf("no memory stored under %q", key))
					}
					return nil, registry.NewExecutionError("memory_recall", "recall_failed", err.Error())
				}
				return map[string]interface{}{"key": key, "value": value}, nil
			},
		},
	}
}
