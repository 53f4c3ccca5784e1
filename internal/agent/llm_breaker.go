package agent

import (
	"context"

	"github.com/helix-bi/helix/go/pipeline/internal/circuitbreaker"
)

// BreakerClient shields an LLMClient behind a circuit breaker so a
// failing provider sheds load instead of stalling every conversation.
type BreakerClient struct {
	inner   LLMClient
	breaker *circuitbreaker.Breaker
}

// NewBreakerClient wraps client with the given breaker.
func NewBreakerClient(client LLMClient, breaker *circuitbreaker.Breaker) *BreakerClient {
	return &BreakerClient{inner: client, breaker: breaker}
}

// Complete delegates to the wrapped client. While the breaker is open
// the call fails immediately with circuitbreaker.ErrOpen.
func (c *BreakerClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var completion *Completion
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		completion, err = c.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}
