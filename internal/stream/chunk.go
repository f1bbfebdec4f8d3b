// Package stream turns orchestration events into OpenAI-compatible
// Server-Sent Events.
package stream

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/nugget/wealth-steward/internal/llm"
)

// Event is one fragment of output produced while a turn runs, tagged
// with the orchestration node that produced it.
type Event struct {
	Node  string
	Block llm.Block
}

// Finish reasons sent on the terminal chunk.
const (
	FinishStop  = "stop"
	FinishError = "error"
)

// Chunk is an OpenAI-compatible chat.completion.chunk.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Choice is the single choice carried by each chunk.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries at most one of Content or ReasoningContent.
type Delta struct {
	Role             string  `json:"role,omitempty"`
	Content          *string `json:"content,omitempty"`
	ReasoningContent *string `json:"reasoning_content,omitempty"`
}

// NewCompletionID returns an id of the form chatcmpl-<12 hex>.
func NewCompletionID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return "chatcmpl-" + hex.EncodeToString(b[:])
}
