// Package model defines the provider-neutral chat model contract and the
// Anthropic and OpenAI adapters behind it.
package model

import "context"

// Model is a chat-completion backend.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	CompleteStream(ctx context.Context, req Request, cb StreamHandler) error
}

// Message is one conversation turn. Role is system, user, assistant or tool.
// Tool messages carry the call they answer in ToolCalls[0].ID.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// ToolCall is a model-issued tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema object
}

// Request is a single model invocation.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	System      string
	Model       string // optional per-request override
	MaxTokens   int
	Temperature *float64
}

// Usage reports token consumption.
type Usage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	TotalTokens         int `json:"totalTokens"`
	CacheReadTokens     int `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
}

// Response is a completed model turn.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// StreamResult is one streaming callback payload. Exactly one of Delta,
// Thinking, ToolCall or Final is set.
type StreamResult struct {
	Delta    string
	Thinking string
	ToolCall *ToolCall
	Final    bool
	Response *Response
}

// StreamHandler consumes streaming output. Returning an error aborts the stream.
type StreamHandler func(StreamResult) error

// Named is implemented by models that can report the backend model id.
type Named interface {
	Name() string
}

// NameOf returns the model id when m exposes one.
func NameOf(m Model) string {
	if n, ok := m.(Named); ok {
		return n.Name()
	}
	return ""
}
