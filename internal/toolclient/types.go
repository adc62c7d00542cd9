package toolclient

import "encoding/json"

const VersionV1 = "v1"

type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	SideEffects bool            `json:"side_effects,omitempty"`
}

type DiscoveryResponse struct {
	Version string           `json:"version"`
	Service string           `json:"service"`
	Tools   []ToolDescriptor `json:"tools"`
}

// Definition is a discovered tool as offered to the reasoning engine.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	SideEffects bool            `json:"side_effects,omitempty"`
}

type CallContext struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id,omitempty"`
	Origin    string `json:"request_origin,omitempty"`
}

type CallRequest struct {
	Version   string          `json:"version"`
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
	Context   CallContext     `json:"context"`
}

type CallStatus string

const (
	CallStatusOK             CallStatus = "ok"
	CallStatusError          CallStatus = "error"
	CallStatusRetryableError CallStatus = "retryable_error"
	CallStatusTimeout        CallStatus = "timeout"
)

type ToolError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

type CallResponse struct {
	Version    string          `json:"version"`
	CallID     string          `json:"call_id"`
	ToolName   string          `json:"tool_name"`
	Status     CallStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}
