package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChatStream(t *testing.T) {
	events := []string{
		`{"id":"c1","model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"Think"}}]}`,
		`{"id":"c1","model":"gpt-test","choices":[{"index":0,"delta":{"reasoning_content":"ing.\n"}}]}`,
		`{"id":"c1","model":"gpt-test","choices":[{"index":0,"delta":{"content":"Checking "}}]}`,
		`{"id":"c1","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"calculate_compound_growth","arguments":"{\"principal\":"}}]}}]}`,
		`{"id":"c1","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1000}"}}]}}]}`,
		`{"id":"c1","model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","model":"gpt-test","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":7,"total_tokens":27}}`,
		`[DONE]`,
	}
	srv := sseServer(t, events, func(r *http.Request, body []byte) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, true, req["stream"])
		tools, _ := req["tools"].([]any)
		assert.Len(t, tools, 1)
		msgs, _ := req["messages"].([]any)
		require.Len(t, msgs, 3)
		toolMsg := msgs[2].(map[string]any)
		assert.Equal(t, "tool", toolMsg["role"])
		assert.Equal(t, "call_0", toolMsg["tool_call_id"])
	})
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL}, quietLogger())
	var blocks []Block
	resp, err := c.ChatStream(t.Context(), &Request{
		Model: "gpt-test",
		Messages: []Message{
			{Role: RoleUser, Content: "grow 1000"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Function: FunctionCall{Name: "noop"}}}},
			{Role: RoleTool, ToolCallID: "call_0", ToolName: "noop", Content: "{}"},
		},
		Tools: []map[string]any{{
			"type": "function",
			"function": map[string]any{
				"name":       "calculate_compound_growth",
				"parameters": map[string]any{"type": "object"},
			},
		}},
	}, func(b Block) { blocks = append(blocks, b) })
	require.NoError(t, err)

	assert.Equal(t, []Block{Reasoning("Think"), Reasoning("ing.\n"), Text("Checking ")}, blocks)
	assert.Equal(t, "Thinking.\n", resp.Message.Reasoning)
	assert.Equal(t, "Checking ", resp.Message.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)
	require.Len(t, resp.Message.ToolCalls, 1)
	call := resp.Message.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "calculate_compound_growth", call.Function.Name)
	assert.Equal(t, float64(1000), call.Function.Arguments["principal"])
}

func TestOpenAIChatStream_ThinkTags(t *testing.T) {
	srv := sseServer(t, []string{
		`{"model":"r1","choices":[{"index":0,"delta":{"content":"<think>care"}}]}`,
		`{"model":"r1","choices":[{"index":0,"delta":{"content":"ful</think>Bonds."}}]}`,
		`[DONE]`,
	}, nil)
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, ThinkTags: true}, quietLogger())
	resp, err := c.Chat(t.Context(), &Request{Model: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "careful", resp.Message.Reasoning)
	assert.Equal(t, "Bonds.", resp.Message.Content)
}

func TestOpenAIChatStream_Empty(t *testing.T) {
	srv := sseServer(t, []string{`[DONE]`}, nil)
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}, quietLogger())
	_, err := c.Chat(t.Context(), &Request{Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIBuildRequest_Schema(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{}, quietLogger())
	temp := 0.5
	wire, err := c.buildRequest(&Request{
		Model:          "m",
		Temperature:    &temp,
		MaxTokens:      64,
		ResponseSchema: &Schema{Name: "route", Schema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, wire.Temperature, 1e-6)
	assert.Equal(t, 64, wire.MaxCompletionTokens)
	require.NotNil(t, wire.ResponseFormat)
	require.NotNil(t, wire.ResponseFormat.JSONSchema)
	assert.Equal(t, "route", wire.ResponseFormat.JSONSchema.Name)
}

func TestOpenAIChatStream_ZeroTemperatureIsSent(t *testing.T) {
	var sent map[string]any
	srv := sseServer(t, []string{
		`{"model":"m","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	}, func(_ *http.Request, body []byte) {
		require.NoError(t, json.Unmarshal(body, &sent))
	})
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}, quietLogger())
	zero := 0.0
	_, err := c.Chat(t.Context(), &Request{Model: "m", Temperature: &zero})
	require.NoError(t, err)

	require.Contains(t, sent, "temperature")
	assert.InDelta(t, 0, sent["temperature"], 1e-6)

	// Unset temperature leaves the provider default.
	sent = nil
	_, err = c.Chat(t.Context(), &Request{Model: "m"})
	require.NoError(t, err)
	assert.NotContains(t, sent, "temperature")
}

type stubClient struct {
	name  string
	calls []string
	err   error
}

func (s *stubClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	return s.ChatStream(ctx, req, nil)
}

func (s *stubClient) ChatStream(_ context.Context, req *Request, _ StreamCallback) (*ChatResponse, error) {
	s.calls = append(s.calls, req.Model)
	return &ChatResponse{Model: req.Model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.err }

func TestMultiClientRouting(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	claude := &stubClient{name: "anthropic", err: errors.New("down")}

	m := NewMultiClient(fallback)
	m.AddProvider("anthropic", claude)
	m.AddModel("claude-sonnet", "anthropic")

	resp, err := m.Chat(t.Context(), &Request{Model: "claude-sonnet"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Message.Content)

	resp, err = m.ChatStream(t.Context(), &Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Message.Content)

	assert.ErrorContains(t, m.Ping(t.Context()), "anthropic: down")
	assert.NoError(t, NewMultiClient(fallback).Ping(t.Context()))
	_, err = NewMultiClient(nil).Chat(t.Context(), &Request{Model: "x"})
	assert.Error(t, err)
}
