package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/state"
)

// HTTPLLMClient talks to the LLM service over HTTP. The service owns
// provider selection and prompt assembly; this client only moves the
// window and tool list across the wire.
type HTTPLLMClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPLLMClient creates a client for the given service base URL.
func NewHTTPLLMClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPLLMClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPLLMClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type wireTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	ConversationID string     `json:"conversation_id"`
	State          string     `json:"state"`
	Turns          []wireTurn `json:"turns"`
	Tools          []string   `json:"tools"`
}

type wireToolCall struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

type wireResponse struct {
	ToolCall    *wireToolCall `json:"tool_call,omitempty"`
	FinalAnswer string        `json:"final_answer,omitempty"`
	NextState   string        `json:"next_state,omitempty"`
	Model       string        `json:"model"`
	Usage       struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements LLMClient.
func (c *HTTPLLMClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	wire := wireRequest{
		ConversationID: req.ConversationID,
		State:          string(req.State),
		Turns:          make([]wireTurn, 0, len(req.Turns)),
		Tools:          req.ActiveTools,
	}
	for _, t := range req.Turns {
		wire.Turns = append(wire.Turns, wireTurn{Role: string(t.Role), Content: t.Content})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm service request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm service returned %d", resp.StatusCode)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}

	out := &Completion{
		FinalAnswer: wr.FinalAnswer,
		NextState:   state.AgentState(wr.NextState),
		Model:       wr.Model,
		TokensIn:    wr.Usage.InputTokens,
		TokensOut:   wr.Usage.OutputTokens,
	}
	if wr.ToolCall != nil {
		out.ToolCall = &ToolRequest{Tool: wr.ToolCall.Tool, Args: wr.ToolCall.Args}
	}
	return out, nil
}
