// Package envelope defines the standardized result wrapper every tool
// invocation in the pipeline returns. The envelope carries a status, a
// short summary that is always safe to hand back to the LLM, and either
// a structured payload or a structured error, plus execution telemetry.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status classifies the outcome of a tool invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// OutputLevel controls how much of the payload is serialized back into
// LLM context.
type OutputLevel string

const (
	LevelBrief    OutputLevel = "BRIEF"
	LevelStandard OutputLevel = "STANDARD"
	LevelFull     OutputLevel = "FULL"
)

// standardPayloadLimit caps payload serialization at STANDARD level.
const standardPayloadLimit = 2048

// ErrorDetail carries structured error information for error/timeout
// envelopes.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Telemetry records execution measurements for one invocation.
type Telemetry struct {
	LatencyMS      int64 `json:"latency_ms"`
	TokensEstimate int   `json:"tokens_estimate"`
	CacheHit       bool  `json:"cache_hit"`
	Retries        int   `json:"retries"`
}

// Envelope is the uniform wrapper for one tool invocation outcome.
// Exactly one of Payload/Error is populated; Summary is never empty.
type Envelope struct {
	ToolName    string      `json:"tool_name"`
	Status      Status      `json:"status"`
	OutputLevel OutputLevel `json:"output_level"`
	Summary     string      `json:"summary"`
	Payload     interface{} `json:"payload,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
	Telemetry   Telemetry   `json:"telemetry"`
}

// Success builds a success envelope.
func Success(tool, summary string, payload interface{}) *Envelope {
	return &Envelope{
		ToolName:    tool,
		Status:      StatusSuccess,
		OutputLevel: LevelStandard,
		Summary:     summary,
		Payload:     payload,
	}
}

// Failure builds an error envelope from structured detail.
func Failure(tool, summary string, detail *ErrorDetail) *Envelope {
	if detail == nil {
		detail = &ErrorDetail{Code: "tool_error", Message: summary}
	}
	return &Envelope{
		ToolName:    tool,
		Status:      StatusError,
		OutputLevel: LevelStandard,
		Summary:     summary,
		Error:       detail,
	}
}

// Timeout builds a timeout envelope describing the missed deadline.
func Timeout(tool string, deadline time.Duration) *Envelope {
	return &Envelope{
		ToolName:    tool,
		Status:      StatusTimeout,
		OutputLevel: LevelBrief,
		Summary:     fmt.Sprintf("tool %q exceeded its %s deadline and was cancelled", tool, deadline),
		Error: &ErrorDetail{
			Code:    "timeout",
			Message: fmt.Sprintf("execution exceeded %s", deadline),
		},
	}
}

// Validate enforces the envelope invariants: non-empty summary, a known
// status, and exactly one of payload/error matching the status.
func (e *Envelope) Validate() error {
	if e.Summary == "" {
		return fmt.Errorf("envelope for tool %q has empty summary", e.ToolName)
	}
	switch e.Status {
	case StatusSuccess:
		if e.Error != nil {
			return fmt.Errorf("success envelope for tool %q carries an error", e.ToolName)
		}
	case StatusError, StatusTimeout:
		if e.Error == nil {
			return fmt.Errorf("%s envelope for tool %q missing error detail", e.Status, e.ToolName)
		}
		if e.Payload != nil {
			return fmt.Errorf("%s envelope for tool %q carries a payload", e.Status, e.ToolName)
		}
	default:
		return fmt.Errorf("envelope for tool %q has unknown status %q", e.ToolName, e.Status)
	}
	return nil
}

// Clone returns a shallow copy with its own telemetry. Cached envelopes
// are shared between callers; each caller gets a clone so per-caller
// telemetry (cache_hit, retries) does not leak across requests.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Error != nil {
		ed := *e.Error
		cp.Error = &ed
	}
	return &cp
}

// Render serializes the envelope for LLM context at the given output
// level. BRIEF is summary only; STANDARD includes a bounded payload;
// FULL includes everything.
func (e *Envelope) Render(level OutputLevel) string {
	switch level {
	case LevelBrief:
		return e.Summary
	case LevelFull:
		b, err := json.Marshal(e)
		if err != nil {
			return e.Summary
		}
		return string(b)
	default:
		out := e.Summary
		if e.Payload != nil {
			if b, err := json.Marshal(e.Payload); err == nil {
				s := string(b)
				if len(s) > standardPayloadLimit {
					s = s[:standardPayloadLimit] + "...(truncated)"
				}
				out += "\n" + s
			}
		}
		if e.Error != nil {
			out += fmt.Sprintf("\n[%s] %s", e.Error.Code, e.Error.Message)
		}
		return out
	}
}
