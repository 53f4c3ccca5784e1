// Package metrics defines Prometheus collectors for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tool execution metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_tool_executions_total",
			Help: "Total number of tool executions by tool and status",
		},
		[]string{"tool", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helix_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"tool"},
	)

	ToolRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_tool_rejections_total",
			Help: "Tool calls rejected before execution",
		},
		[]string{"tool", "reason"},
	)

	ToolTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_tool_timeouts_total",
			Help: "Tool executions that exceeded their deadline",
		},
		[]string{"tool"},
	)

	ToolRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_tool_retries_total",
			Help: "Tool executions retried after a timeout",
		},
		[]string{"tool"},
	)

	// Idempotency cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_cache_hits_total",
			Help: "Idempotency cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_cache_misses_total",
			Help: "Idempotency cache misses",
		},
	)

	CacheCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_cache_coalesced_total",
			Help: "Calls coalesced onto an in-flight computation",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_cache_evictions_total",
			Help: "Cache entries evicted by reason (ttl, lru, invalidate)",
		},
		[]string{"reason"},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "helix_cache_size",
			Help: "Current number of cached entries",
		},
	)

	// Context window metrics
	ContextCompactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_context_compactions_total",
			Help: "Context window compactions performed",
		},
	)

	ContextOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_context_overflows_total",
			Help: "Context overflows with no safe compaction",
		},
	)

	ContextTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helix_context_tokens",
			Help: "Current token estimate per conversation window",
		},
		[]string{"conversation_id"},
	)

	// Trace metrics
	SpansStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_spans_started_total",
			Help: "Trace spans started by type",
		},
		[]string{"span_type"},
	)

	TraceWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_trace_write_failures_total",
			Help: "Trace sink write failures (non-fatal)",
		},
	)

	// Hook metrics
	HookBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_hook_blocks_total",
			Help: "Tool calls blocked by a pre-hook",
		},
		[]string{"hook"},
	)

	// Conversation metrics
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "helix_conversations_active",
			Help: "Conversations with a live agent loop",
		},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_llm_calls_total",
			Help: "LLM completions by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_llm_tokens_total",
			Help: "LLM tokens by model and direction",
		},
		[]string{"model", "direction"},
	)
)
