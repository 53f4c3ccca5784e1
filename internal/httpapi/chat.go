// Package httpapi exposes the pipeline over HTTP: chat submission,
// conversation introspection, and trace export.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/agent"
	"github.com/helix-bi/helix/go/pipeline/internal/history"
	"github.com/helix-bi/helix/go/pipeline/internal/session"
)

// ChatHandler accepts user messages and runs them through the agent.
type ChatHandler struct {
	loop   *agent.Loop
	store  session.Store
	logger *zap.Logger
}

// NewChatHandler creates a handler.
func NewChatHandler(loop *agent.Loop, store session.Store, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{loop: loop, store: store, logger: logger}
}

// RegisterRoutes registers chat routes on the provided mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat", h.handleChat)
}

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
	Iterations     int    `json:"iterations"`
	DurationMS     int64  `json:"duration_ms"`
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("chat decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
		return
	}

	convID := req.ConversationID
	if convID == "" {
		conv, err := h.store.Create(r.Context(), req.UserID, "")
		if err != nil {
			h.logger.Error("conversation create failed", zap.Error(err))
			http.Error(w, `{"error":"conversation create failed"}`, http.StatusInternalServerError)
			return
		}
		convID = conv.ID
	} else if _, err := h.store.Get(r.Context(), convID); err != nil {
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
		return
	}

	res, err := h.loop.Run(r.Context(), convID, req.Message)
	if err != nil {
		var overflow *history.OverflowError
		if errors.As(err, &overflow) {
			h.logger.Warn("context overflow",
				zap.String("conversation_id", convID),
				zap.Int("total_tokens", overflow.TotalTokens),
			)
			http.Error(w, `{"error":"context window exhausted"}`, http.StatusConflict)
			return
		}
		h.logger.Error("agent run failed", zap.String("conversation_id", convID), zap.Error(err))
		http.Error(w, `{"error":"agent run failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{
		ConversationID: convID,
		Answer:         res.Answer,
		Iterations:     res.Iterations,
		DurationMS:     res.DurationMS,
	})
}
