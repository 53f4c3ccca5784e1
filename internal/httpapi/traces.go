package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/pricing"
	"github.com/helix-bi/helix/go/pipeline/internal/trace"
)

// TraceHandler serves trace export, flow rendering, and performance
// summaries for finished or in-flight conversations.
type TraceHandler struct {
	tracer *trace.Tracer
	prices *pricing.Table
	logger *zap.Logger
}

// NewTraceHandler creates a handler.
func NewTraceHandler(tracer *trace.Tracer, prices *pricing.Table, logger *zap.Logger) *TraceHandler {
	return &TraceHandler{tracer: tracer, prices: prices, logger: logger}
}

// RegisterRoutes registers trace routes on the provided mux.
func (h *TraceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/traces", h.handleExport)
	mux.HandleFunc("/api/traces/flow", h.handleFlow)
	mux.HandleFunc("/api/traces/summary", h.handleSummary)
}

func (h *TraceHandler) conversation(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return "", false
	}
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, `{"error":"conversation_id is required"}`, http.StatusBadRequest)
		return "", false
	}
	return convID, true
}

func (h *TraceHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	data, err := h.tracer.ExportJSON(convID)
	if err != nil {
		h.writeTraceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (h *TraceHandler) handleFlow(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	flow, err := h.tracer.RenderFlow(convID)
	if err != nil {
		h.writeTraceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(flow))
}

func (h *TraceHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	summary, err := h.tracer.Summarize(convID, h.prices)
	if err != nil {
		h.writeTraceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

func (h *TraceHandler) writeTraceError(w http.ResponseWriter, err error) {
	if errors.Is(err, trace.ErrNoTrace) {
		http.Error(w, `{"error":"no trace for conversation"}`, http.StatusNotFound)
		return
	}
	h.logger.Error("trace export failed", zap.Error(err))
	http.Error(w, `{"error":"trace export failed"}`, http.StatusInternalServerError)
}
