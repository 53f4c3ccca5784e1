package session

import (
	"errors"
	"time"
)

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMemoryKeyNotFound is returned when a memory key is absent.
	ErrMemoryKeyNotFound = errors.New("memory key not found")
)

// Conversation is the persisted state of one chat conversation.
type Conversation struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Memory is the key/value namespace backing the memory_* tools.
	Memory map[string]string `json:"memory,omitempty"`

	// Usage accounting
	TotalTokensUsed int     `json:"total_tokens_used"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
}

// Touch updates the modification timestamp.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now()
}

// SetMemory writes a memory key.
func (c *Conversation) SetMemory(key, value string) {
	if c.Memory == nil {
		c.Memory = make(map[string]string)
	}
	c.Memory[key] = value
	c.Touch()
}

// GetMemory reads a memory key. A missing key is reported as
// ErrMemoryKeyNotFound.
func (c *Conversation) GetMemory(key string) (string, error) {
	if v, ok := c.Memory[key]; ok {
		return v, nil
	}
	return "", ErrMemoryKeyNotFound
}
