package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/wealth-steward/internal/agent"
	"github.com/nugget/wealth-steward/internal/llm"
	"github.com/nugget/wealth-steward/internal/stream"
)

// maxBodyBytes bounds a chat completion request body.
const maxBodyBytes = 4 << 20

// ChatMessage is one OpenAI-format request message.
type ChatMessage struct {
	Role    string         `json:"role" validate:"required,oneof=system user assistant tool"`
	Content MessageContent `json:"content" validate:"maxbytes"`
}

// MessageContent is message text. It decodes from a JSON string or from
// an array of content parts, keeping only the text parts.
type MessageContent string

// UnmarshalJSON implements [json.Unmarshaler].
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '[' {
		var s *string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != nil {
			*c = MessageContent(*s)
		}
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	*c = MessageContent(sb.String())
	return nil
}

// ChatCompletionRequest is the OpenAI-compatible request format. User
// names the conversation thread.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,max=200,dive"`
	Stream      *bool         `json:"stream"`
	User        string        `json:"user" validate:"max=128"`
	Temperature *float64      `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens" validate:"omitempty,gte=1"`
}

// Streaming reports whether an SSE response was requested. Streaming
// is the default.
func (r *ChatCompletionRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a completion.
type ResponseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_value", validationMessage(err))
		return
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != llm.RoleUser {
		s.errorResponse(w, http.StatusBadRequest, "invalid_value", "the last message must have role user")
		return
	}

	id := stream.NewCompletionID()
	agentReq := &agent.Request{
		RequestID:   id,
		ThreadID:    req.User,
		Messages:    make([]llm.Message, 0, len(req.Messages)),
		Temperature: req.Temperature,
	}
	if req.MaxTokens != nil {
		agentReq.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		agentReq.Messages = append(agentReq.Messages, llm.Message{Role: m.Role, Content: string(m.Content)})
	}
	if agentReq.ThreadID == "" {
		agentReq.ThreadID = agent.AnonymousThreadID()
		agentReq.Ephemeral = true
	}

	model := req.Model
	if model == "" {
		model = ModelID
	}

	w.Header().Set("X-Request-ID", id)
	w.Header().Set("X-Thread-ID", agentReq.ThreadID)

	if req.Streaming() {
		s.streamCompletion(w, r, agentReq, id, model)
		return
	}

	res, err := s.loop.Run(r.Context(), agentReq, nil)
	if err != nil {
		s.turnError(r.Context(), w, agentReq.ThreadID, err)
		return
	}

	created := time.Now().Unix()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Message: ResponseMessage{
				Role:             llm.RoleAssistant,
				Content:          res.Content,
				ReasoningContent: res.Reasoning,
			},
			FinishReason: stream.FinishStop,
		}},
		Usage: Usage{
			PromptTokens:     res.InputTokens,
			CompletionTokens: res.OutputTokens,
			TotalTokens:      res.InputTokens + res.OutputTokens,
		},
	}, s.logger)
}

// turnError maps a failed non-streaming turn to a status code.
func (s *Server) turnError(ctx context.Context, w http.ResponseWriter, thread string, err error) {
	if ctx.Err() != nil {
		s.logger.Info("client went away during turn", "thread", thread)
		return
	}

	var modelErr *agent.ModelError
	switch {
	case errors.Is(err, agent.ErrNoUserMessage):
		s.errorResponse(w, http.StatusBadRequest, "invalid_value", err.Error())
	case errors.As(err, &modelErr):
		s.logger.Error("model call failed", "thread", thread, "stage", modelErr.Stage, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "model_error", "the language model request failed")
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Error("turn timed out", "thread", thread)
		s.errorResponse(w, http.StatusGatewayTimeout, "timeout", "the request took too long")
	default:
		s.logger.Error("turn failed", "thread", thread, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", "failed to process the conversation")
	}
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, agentReq *agent.Request, id, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	if err := http.NewResponseController(w).Flush(); err != nil {
		s.logger.Debug("failed to flush stream headers", "error", err)
	}

	defer s.metrics.StreamStarted()()

	f := stream.NewFormatter(w, stream.Options{
		ID:          id,
		Model:       model,
		IgnoreNodes: s.config.IgnoreNodes,
		Logger:      s.logger,
	})
	_, err := s.loop.Stream(r.Context(), agentReq, f)

	stats := f.Stats()
	switch {
	case err == nil:
		s.logger.Debug("stream finished",
			"thread", agentReq.ThreadID,
			"chunks", stats.Chunks,
			"content_bytes", stats.ContentBytes,
			"reasoning_bytes", stats.ReasoningBytes,
		)
	case r.Context().Err() != nil:
		s.logger.Info("client disconnected during stream", "thread", agentReq.ThreadID)
	default:
		s.logger.Error("streamed turn failed", "thread", agentReq.ThreadID, "error", err)
	}
}
