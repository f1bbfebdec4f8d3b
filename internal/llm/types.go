// Package llm provides streaming model clients and the content types they
// produce.
package llm

import (
	"errors"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrEmptyResponse is returned when a provider closes a stream without
// producing any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// Message is one entry of a conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Reasoning is the model's deliberation text, kept apart from Content.
	Reasoning string `json:"reasoning,omitempty"`
	// ReasoningSignature is an opaque provider token that must accompany
	// Reasoning when it is replayed (Anthropic extended thinking).
	ReasoningSignature string `json:"reasoning_signature,omitempty"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify the call a tool-result message
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// FunctionCall names a tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID, echoed in the tool result
	Function FunctionCall `json:"function"`
}

// Schema constrains a model's reply to a JSON document.
type Schema struct {
	Name   string
	Schema map[string]any
}

// Request is a single model invocation.
type Request struct {
	Model    string
	Messages []Message
	// Tools are OpenAI-style function definitions
	// ({"type": "function", "function": {...}}).
	Tools       []map[string]any
	Temperature *float64
	MaxTokens   int
	// ResponseSchema asks providers that support structured output to
	// return JSON matching the schema.
	ResponseSchema *Schema
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at provider boundaries (openai.go, anthropic.go).
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// StreamCallback receives content blocks as the model produces them.
// Blocks are fragments: they carry no guarantee of line or word
// alignment.
type StreamCallback func(Block)
