// Package llm defines the portable provider surface the engine consumes and
// the adapters for the concrete backends.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Typed failures the router's fallback chain pattern-matches on.
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrRateLimited = errors.New("provider rate limited")
	ErrTimeout     = errors.New("provider timeout")
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

// Message is one turn of provider conversation.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
	ToolID  string
	// ToolCalls are only set on assistant messages.
	ToolCalls []ToolCall
}

// ToolSchema describes one function tool as JSON Schema.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives token deltas and tool-call events as they arrive.
type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

// Provider is the narrow capability set every backend implements.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, system string) (Message, error)
	ChatWithTools(ctx context.Context, msgs []Message, system string, tools []ToolSchema) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, system string, tools []ToolSchema, h StreamHandler) error
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage builds an assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// ToolResult builds a tool-result turn answering a specific call.
func ToolResult(toolID, content string) Message {
	return Message{Role: "tool", Content: content, ToolID: toolID}
}
