package models

import (
	"encoding/json"
)

// ToolCall is a tool invocation requested by the model. Arguments are kept
// exactly as received; they are sanitized before being written to the WAL
// or shown to an approval provider.
type ToolCall struct {
	ID        string          `json:"call_id"`
	Name      string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolSpec is the JSON-Schema surface a tool presents to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolResult is the normalized outcome of a tool execution.
type ToolResult struct {
	OK         bool           `json:"ok"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Truncated  bool           `json:"truncated"`
	Data       map[string]any `json:"data,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	Retryable  bool           `json:"retryable"`
}

// ErrorResult builds a failed tool result with the given kind and message.
func ErrorResult(kind ErrorKind, message string) *ToolResult {
	return &ToolResult{
		OK:        false,
		ErrorKind: kind,
		Error:     message,
	}
}

// Content renders the result as the string injected into the model's tool
// message on the next turn.
func (r *ToolResult) Content() string {
	if r == nil {
		return ""
	}
	if !r.OK && r.Error != "" {
		return "error (" + string(r.ErrorKind) + "): " + r.Error
	}
	if r.Stdout != "" || r.Stderr == "" {
		if r.Stderr != "" {
			return r.Stdout + "\n" + r.Stderr
		}
		return r.Stdout
	}
	return r.Stderr
}

// SetData sets a key in the result's data map, allocating it on first use.
func (r *ToolResult) SetData(key string, value any) {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	r.Data[key] = value
}
