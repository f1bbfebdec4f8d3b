package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/wealth-steward/internal/checkpoint"
	"github.com/nugget/wealth-steward/internal/llm"
	"github.com/nugget/wealth-steward/internal/profile"
	"github.com/nugget/wealth-steward/internal/router"
)

// ErrNoUserMessage is returned when a request adds no user message to
// the conversation.
var ErrNoUserMessage = errors.New("agent: request has no new user message")

// State is one thread's conversation, persisted between turns.
type State struct {
	ThreadID        string          `json:"thread_id"`
	Intent          router.Intent   `json:"intent"`
	Transcript      []llm.Message   `json:"transcript"`
	Profile         profile.Profile `json:"profile"`
	ProfileComplete bool            `json:"profile_complete"`
	Turns           int             `json:"turns"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewState returns an empty state for a thread.
func NewState(threadID string) *State {
	return &State{ThreadID: threadID}
}

// DecodeState parses a persisted state.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}

// Encode serializes the state for persistence.
func (s *State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// UserUtterances returns the content of every user message, oldest
// first.
func (s *State) UserUtterances() []string {
	var out []string
	for _, m := range s.Transcript {
		if m.Role == llm.RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}

// absorb merges a client-supplied history into the transcript. An empty
// transcript is seeded with the history's user and assistant messages;
// otherwise only the trailing user messages are appended, since the
// rest is already on record. System messages are never taken from the
// client. Returns ErrNoUserMessage when the transcript does not end
// with a user message afterwards.
func (s *State) absorb(history []llm.Message) error {
	if len(s.Transcript) == 0 {
		for _, m := range history {
			if m.Role == llm.RoleUser || m.Role == llm.RoleAssistant {
				s.Transcript = append(s.Transcript, llm.Message{Role: m.Role, Content: m.Content})
			}
		}
	} else {
		start := 0
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role != llm.RoleUser {
				start = i + 1
				break
			}
		}
		for _, m := range history[start:] {
			s.Transcript = append(s.Transcript, llm.Message{Role: llm.RoleUser, Content: m.Content})
		}
		if start == len(history) {
			return ErrNoUserMessage
		}
	}

	if n := len(s.Transcript); n == 0 || s.Transcript[n-1].Role != llm.RoleUser {
		return ErrNoUserMessage
	}
	return nil
}

// dialogue returns the user and assistant messages that carry text,
// without tool traffic.
func (s *State) dialogue() []llm.Message {
	out := make([]llm.Message, 0, len(s.Transcript))
	for _, m := range s.Transcript {
		if (m.Role == llm.RoleUser || m.Role == llm.RoleAssistant) && m.Content != "" {
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

// LoadState returns the latest persisted state for a thread, or a fresh
// state when the thread has none.
func LoadState(ctx context.Context, store checkpoint.Store, threadID string) (*State, error) {
	cp, err := store.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return NewState(threadID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	s, err := DecodeState(cp.Data)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	s.ThreadID = threadID
	return s, nil
}

// AnonymousThreadID returns a random thread id for requests that do not
// name one.
func AnonymousThreadID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "anonymous-" + hex.EncodeToString(b[:])
}
