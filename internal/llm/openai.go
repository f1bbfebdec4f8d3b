package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/wealth-steward/internal/httpkit"
)

// OpenAIConfig configures a client for any OpenAI-compatible chat
// completions endpoint (OpenAI, Azure-style gateways, vLLM, Ollama's /v1,
// DeepSeek, Gemini's compatibility layer).
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// ThinkTags splits inline <think> sections out of content for models
	// that do not report reasoning separately.
	ThinkTags  bool
	HTTPClient *http.Client
}

// OpenAIClient streams chat completions through go-openai.
type OpenAIClient struct {
	client    *openai.Client
	thinkTags bool
	logger    *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = httpkit.NewStreamingClient(httpkit.WithLogger(logger))
	}

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(oc),
		thinkTags: cfg.ThinkTags,
		logger:    logger.With("provider", "openai"),
	}
}

// Chat sends a request and returns the complete response.
func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream streams a chat completion. Content deltas become text
// blocks and reasoning_content deltas become reasoning blocks; tool call
// deltas are assembled by index into complete calls.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*ChatResponse, error) {
	start := time.Now()
	wire, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
		"structured", wire.ResponseFormat != nil,
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(wire); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, wire)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var (
		content   strings.Builder
		reasoning strings.Builder
		calls     = map[int]*toolCallBuilder{}
		finish    string
		model     = req.Model
		usage     openai.Usage
		received  bool
		splitter  *ThinkSplitter
	)
	if c.thinkTags {
		splitter = &ThinkSplitter{}
	}

	emit := func(b Block) {
		switch b.Kind {
		case BlockText:
			content.WriteString(b.Text)
		case BlockReasoning:
			reasoning.WriteString(b.Text)
		}
		if callback != nil {
			callback(b)
		}
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream recv: %w", err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			received = true
			d := choice.Delta
			if d.ReasoningContent != "" {
				emit(Reasoning(d.ReasoningContent))
			}
			if d.Content != "" {
				if splitter != nil {
					for _, b := range splitter.Feed(d.Content) {
						emit(b)
					}
				} else {
					emit(Text(d.Content))
				}
			}
			for _, tc := range d.ToolCalls {
				idx := len(calls)
				if tc.Index != nil {
					idx = *tc.Index
				}
				b, ok := calls[idx]
				if !ok {
					b = &toolCallBuilder{}
					calls[idx] = b
				}
				b.add(tc)
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
		}
	}
	if splitter != nil {
		for _, b := range splitter.Flush() {
			emit(b)
		}
	}
	if !received {
		return nil, ErrEmptyResponse
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			Reasoning: reasoning.String(),
			ToolCalls: assembleToolCalls(calls),
		},
		FinishReason: finish,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Duration:     time.Since(start),
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"reasoning_len", len(resp.Message.Reasoning),
		"tool_calls", len(resp.Message.ToolCalls),
		"elapsed", resp.Duration,
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	return resp, nil
}

// Ping lists models to verify the endpoint and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func (c *OpenAIClient) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	wire := openai.ChatCompletionRequest{
		Model:               req.Model,
		Messages:            convertToOpenAI(req.Messages),
		Tools:               convertToolsToOpenAI(req.Tools),
		MaxCompletionTokens: req.MaxTokens,
		Stream:              true,
		StreamOptions:       &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature != nil {
		// go-openai omits a zero temperature from the request body.
		wire.Temperature = float32(*req.Temperature)
		if wire.Temperature == 0 {
			wire.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.ResponseSchema != nil {
		schema, err := json.Marshal(req.ResponseSchema.Schema)
		if err != nil {
			return wire, fmt.Errorf("marshal response schema: %w", err)
		}
		wire.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.ResponseSchema.Name,
				Schema: json.RawMessage(schema),
				Strict: true,
			},
		}
	}
	return wire, nil
}

// toolCallBuilder accumulates the streamed pieces of one tool call.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

func (b *toolCallBuilder) add(tc openai.ToolCall) {
	if tc.ID != "" {
		b.id = tc.ID
	}
	if tc.Function.Name != "" {
		b.name = tc.Function.Name
	}
	b.args.WriteString(tc.Function.Arguments)
}

func assembleToolCalls(calls map[int]*toolCallBuilder) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	out := make([]ToolCall, 0, len(calls))
	for _, i := range idxs {
		b := calls[i]
		args := map[string]any{}
		if raw := strings.TrimSpace(b.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		id := b.id
		if id == "" {
			id = fmt.Sprintf("call_%s_%d", b.name, i)
		}
		out = append(out, ToolCall{
			ID:       id,
			Function: FunctionCall{Name: b.name, Arguments: args},
		})
	}
	return out
}

// convertToOpenAI converts transcript messages to the wire format.
// Reasoning is not replayed; providers reject it on input.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		wm := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleTool {
			wm.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil || tc.Function.Arguments == nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

// convertToolsToOpenAI converts registry tool definitions to go-openai tools.
func convertToolsToOpenAI(tools []map[string]any) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}
