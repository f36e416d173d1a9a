package relay

import (
	"context"
	"encoding/json"
)

// ChatMessage is one message in a model conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// UserMessage builds a user-role chat message.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

// SystemMessage builds a system-role chat message.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

// AssistantMessage builds an assistant-role chat message.
func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// ToolMessage builds a tool-role chat message carrying a skill result.
func ToolMessage(text string) ChatMessage {
	return ChatMessage{Role: "tool", Content: text}
}

// ToolCall is a structured skill request extracted from a model turn.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"params"`
}

// ChatRequest is a single model invocation.
type ChatRequest struct {
	Messages  []ChatMessage     `json:"messages"`
	Tools     []SkillDescriptor `json:"tools,omitempty"`
	Reasoning bool              `json:"reasoning,omitempty"`
}

// ChatResponse is a completed model turn. Quality is the model's optional
// self-rating in [0,1]; zero means not reported.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Quality   float64    `json:"quality,omitempty"`
}

// TokenStream is a lazy, finite, non-restartable token sequence. Next
// returns io.EOF after the last token. The Orchestrator owns the pull loop
// and the publishing of StreamToken envelopes.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Provider abstracts the model gateway.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream starts a streaming generation. The returned stream yields
	// single token chunks; the final ChatResponse is available from
	// stream-aware providers after EOF via Chat on the buffered text, so
	// callers accumulate tokens themselves.
	ChatStream(ctx context.Context, req ChatRequest) (TokenStream, error)
	// Name identifies the provider for logs and error mapping.
	Name() string
}
