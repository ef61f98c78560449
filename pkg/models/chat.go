package models

import (
	"context"
)

// Chat roles used in turn history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry of the conversation sent to a chat backend.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is a single streaming completion request.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	Tools     []ToolSpec
	MaxTokens int
}

// ToolCallDelta is a streamed fragment of a tool call. Arguments may arrive
// split across several deltas for the same call id; consumers buffer until
// Done is signalled.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
	Done         bool
}

// ChatDelta is one streamed chunk from a backend. Exactly one of Text,
// ToolCall, FinishReason, or Err is meaningful per delta.
type ChatDelta struct {
	Text         string
	ToolCall     *ToolCallDelta
	FinishReason string // "stop" or "tool_calls" on the final delta
	Err          error
}

// ChatBackend is the external LLM transport the runtime consumes. The
// returned channel is closed after the final delta (FinishReason or Err).
type ChatBackend interface {
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatDelta, error)
}
