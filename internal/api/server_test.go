package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/wealth-steward/internal/agent"
	"github.com/nugget/wealth-steward/internal/checkpoint"
	"github.com/nugget/wealth-steward/internal/config"
	"github.com/nugget/wealth-steward/internal/health"
	"github.com/nugget/wealth-steward/internal/llm"
	"github.com/nugget/wealth-steward/internal/metrics"
	"github.com/nugget/wealth-steward/internal/router"
	"github.com/nugget/wealth-steward/internal/tools"
)

// reply is one scripted model response. A non-nil err fails the call.
type reply struct {
	text string
	err  error
}

// fakeLLM answers model calls from a script, in order.
type fakeLLM struct {
	mu      sync.Mutex
	replies []reply
}

func (f *fakeLLM) Chat(ctx context.Context, req *llm.Request) (*llm.ChatResponse, error) {
	return f.ChatStream(ctx, req, nil)
}

func (f *fakeLLM) ChatStream(_ context.Context, req *llm.Request, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	f.mu.Lock()
	if len(f.replies) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	f.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if cb != nil {
		cb(llm.Text(r.text))
	}
	return &llm.ChatResponse{
		Model:        req.Model,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: r.text},
		InputTokens:  12,
		OutputTokens: 8,
	}, nil
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

func routeTo(dest string) reply {
	return reply{text: fmt.Sprintf(`{"destination": %q}`, dest)}
}

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *checkpoint.MemoryStore
	router  *router.Router
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg Config, replies ...reply) *testEnv {
	t.Helper()

	client := &fakeLLM{replies: replies}
	store := checkpoint.NewMemoryStore()
	rtr := router.NewRouter(nil, client, router.Config{Model: "fast"})
	m := metrics.New(prometheus.NewRegistry())
	loop := agent.NewLoop(agent.Deps{
		Client:  client,
		Router:  rtr,
		Tools:   tools.NewRegistry(),
		Store:   store,
		Metrics: m,
	}, agent.Config{MainModel: "main", FastModel: "fast"})

	if cfg.IgnoreNodes == nil {
		cfg.IgnoreNodes = []string{agent.NodeRouter}
	}
	s := NewServer(cfg, Deps{Loop: loop, Router: rtr, Store: store, Metrics: m})
	return &testEnv{server: s, handler: s.Handler(), store: store, router: rtr, metrics: m}
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealth_ReportsDependencies(t *testing.T) {
	env := newTestEnv(t, Config{})
	mon := health.NewMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer mon.Stop()
	mon.Watch(t.Context(), "store:memory", func(context.Context) error { return nil }, health.Backoff{})
	mon.Watch(t.Context(), "model:openai", func(context.Context) error { return errors.New("dial tcp: refused") },
		health.Backoff{StartupAttempts: 1})
	env.server.health = mon

	require.Eventually(t, func() bool {
		st := mon.Status()
		return len(st) == 2 && !st[0].LastCheck.IsZero() && !st[1].LastCheck.IsZero()
	}, time.Second, 5*time.Millisecond)

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, "liveness does not depend on dependencies")

	var body struct {
		Status       string          `json:"status"`
		Dependencies []health.Status `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	require.Len(t, body.Dependencies, 2)
	assert.Equal(t, "model:openai", body.Dependencies[0].Name)
	assert.False(t, body.Dependencies[0].Ready)
	assert.Equal(t, "dial tcp: refused", body.Dependencies[0].LastError)
	assert.Equal(t, "store:memory", body.Dependencies[1].Name)
	assert.True(t, body.Dependencies[1].Ready)
}

func TestHealthAndDiscovery(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"prudent-wealth-steward"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var models struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int64  `json:"created"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	assert.Equal(t, "list", models.Object)
	require.Len(t, models.Data, 1)
	assert.Equal(t, ModelID, models.Data[0].ID)
	assert.Equal(t, int64(modelCreated), models.Data[0].Created)

	rec = env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chat":"/v1/chat/completions"`)

	rec = env.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletions_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})

	tests := []struct {
		name    string
		body    string
		code    string
		message string
	}{
		{"malformed json", `{"messages":`, "invalid_json", "invalid request body"},
		{"no messages", `{"messages":[]}`, "invalid_value", "messages must have at least 1"},
		{"missing messages", `{}`, "invalid_value", "messages is required"},
		{"bad role", `{"messages":[{"role":"robot","content":"hi"}]}`, "invalid_value", "role must be one of"},
		{"temperature too high", `{"messages":[{"role":"user","content":"hi"}],"temperature":2.5}`, "invalid_value", "temperature must be <= 2"},
		{"zero max tokens", `{"messages":[{"role":"user","content":"hi"}],"max_tokens":0}`, "invalid_value", "max_tokens must be >= 1"},
		{"last message not user", `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`, "invalid_value", "last message must have role user"},
		{"oversized message", `{"messages":[{"role":"user","content":"` + strings.Repeat("x", maxMessageBytes+1) + `"}]}`, "invalid_value", "exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/v1/chat/completions", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, "invalid_request_error", e.Type)
			assert.Contains(t, e.Message, tt.message)
		})
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t, Config{},
		routeTo("main_agent"),
		reply{text: "Diversify across low-cost index funds.\nKeep an emergency fund."},
	)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"I am 40 and moderate. How should I invest?"}],"user":"alice"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "alice", rec.Header().Get("X-Thread-ID"))
	id := rec.Header().Get("X-Request-ID")
	require.True(t, strings.HasPrefix(id, "chatcmpl-"), id)

	body := rec.Body.String()
	assert.NotContains(t, body, "destination", "router output must stay off the wire")
	assert.Contains(t, body, `"content":"Diversify across low-cost index funds.\n"`)
	assert.Contains(t, body, `"content":"Keep an emergency fund."`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, 1, strings.Count(body, `"role":"assistant"`))
	assert.Equal(t, 3, strings.Count(body, `"id":"`+id+`"`))

	// The router decision is addressable by the completion id.
	rec = env.do(http.MethodGet, "/v1/router/explain/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d router.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, router.IntentMainAgent, d.Intent)
	assert.Equal(t, "alice", d.ThreadID)

	rec = env.do(http.MethodGet, "/v1/router/explain/chatcmpl-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletions_UnrecognizedIntent(t *testing.T) {
	env := newTestEnv(t, Config{}, reply{text: "I cannot decide"})

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"???"}],"user":"bob"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())

	_, err := env.store.Latest(context.Background(), "bob")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	env := newTestEnv(t, Config{},
		routeTo("small_talk"),
		reply{text: "Hello! How can I help with your finances?"},
	)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"steward","stream":false,"messages":[{"role":"user","content":"hi there"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "steward", resp.Model)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello! How can I help with your finances?", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, 20, resp.Usage.TotalTokens)

	// No user field: the turn runs on an anonymous thread that is never
	// saved.
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Thread-ID"), "anonymous-"))
	threads, err := env.store.Threads(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestMessageContent_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want MessageContent
	}{
		{"string", `"plan for retirement"`, "plan for retirement"},
		{"null", `null`, ""},
		{"text parts", `[{"type":"text","text":"I'm 35. "},{"type":"text","text":"Is that late?"}]`, "I'm 35. Is that late?"},
		{"non-text parts skipped", `[{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"chart"}]`, "chart"},
		{"empty parts", `[]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got MessageContent
			require.NoError(t, json.Unmarshal([]byte(tt.in), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var bad MessageContent
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`[{"type":"text","text":7}]`), &bad))
}

func TestChatCompletions_ContentParts(t *testing.T) {
	env := newTestEnv(t, Config{},
		routeTo("small_talk"),
		reply{text: "Nice to meet you."},
	)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"stream":false,"user":"dana","messages":[{"role":"user","content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}]}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cp, err := env.store.Latest(context.Background(), "dana")
	require.NoError(t, err)
	state, err := agent.DecodeState(cp.Data)
	require.NoError(t, err)
	require.NotEmpty(t, state.Transcript)
	assert.Equal(t, "hello there", state.Transcript[0].Content)
}

func TestChatCompletions_ModelError(t *testing.T) {
	env := newTestEnv(t, Config{},
		routeTo("main_agent"),
		reply{err: errors.New("connection refused")},
	)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"stream":false,"messages":[{"role":"user","content":"should I buy bonds?"}],"user":"carol"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "model_error", e.Code)
	assert.Equal(t, "server_error", e.Type)
	assert.NotContains(t, e.Message, "connection refused")
}

func TestChatCompletions_StreamingModelError(t *testing.T) {
	env := newTestEnv(t, Config{},
		routeTo("main_agent"),
		reply{err: errors.New("connection refused")},
	)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"should I buy bonds?"}],"user":"carol"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"finish_reason":"error"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestThreads(t *testing.T) {
	env := newTestEnv(t, Config{},
		routeTo("main_agent"),
		reply{text: "Consider a target-date fund."},
	)

	rec := env.do(http.MethodGet, "/v1/threads/dave", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)

	rec = env.do(http.MethodPost, "/v1/chat/completions",
		`{"stream":false,"messages":[{"role":"user","content":"I'm 30 with a conservative outlook"}],"user":"dave"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/threads", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count   int                 `json:"count"`
		Threads []checkpoint.Thread `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "dave", list.Threads[0].ID)

	rec = env.do(http.MethodGet, "/v1/threads/dave", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state agent.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "dave", state.ThreadID)
	assert.Equal(t, router.IntentMainAgent, state.Intent)
	assert.Len(t, state.Transcript, 2)
	require.NotNil(t, state.Profile.Age)
	assert.Equal(t, 30, *state.Profile.Age)

	rec = env.do(http.MethodPut, "/v1/threads/dave/profile", `{"age":12}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "age must be >= 18")

	rec = env.do(http.MethodPut, "/v1/threads/dave/profile", `{"risk_tolerance":"reckless"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPut, "/v1/threads/dave/profile",
		`{"risk_tolerance":"moderate","time_horizon_years":25,"goals":["retirement"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "moderate", string(state.Profile.RiskTolerance))
	require.NotNil(t, state.Profile.TimeHorizonYears)
	assert.Equal(t, 25, *state.Profile.TimeHorizonYears)
	assert.True(t, state.Profile.IsComplete())

	rec = env.do(http.MethodDelete, "/v1/threads/dave", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(http.MethodDelete, "/v1/threads/dave", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterIntrospection(t *testing.T) {
	env := newTestEnv(t, Config{},
		routeTo("small_talk"), reply{text: "Hi!"},
		routeTo("small_talk"), reply{text: "Bye!"},
	)
	for _, msg := range []string{"hello", "goodbye"} {
		rec := env.do(http.MethodPost, "/v1/chat/completions",
			`{"stream":false,"messages":[{"role":"user","content":"`+msg+`"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(http.MethodGet, "/v1/router/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats router.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.IntentCounts["small_talk"])

	rec = env.do(http.MethodGet, "/v1/router/audit?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Count     int               `json:"count"`
		Decisions []router.Decision `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Equal(t, 1, audit.Count)
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	env := newTestEnv(t, Config{Auth: config.AuthConfig{
		Token:       "plain-secret",
		TokenBcrypt: string(hash),
	}})

	rec := env.do(http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "authentication_error", e.Type)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = env.do(http.MethodGet, "/v1/models", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/v1/models", "", "Authorization", "Bearer plain-secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Twice, so the second check is served from the verified cache.
	for range 2 {
		rec = env.do(http.MethodGet, "/v1/models", "", "Authorization", "Bearer hashed-secret")
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	// Health and metrics stay open for probes and scrapers.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/metrics", "").Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Config{
		CORSOrigins: []string{"https://chat.example.com"},
		Auth:        config.AuthConfig{Token: "secret"},
	})

	// Preflight is answered before authentication.
	rec := env.do(http.MethodOptions, "/v1/chat/completions", "",
		"Origin", "https://chat.example.com",
		"Access-Control-Request-Method", "POST")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://chat.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	rec = env.do(http.MethodGet, "/health", "", "Origin", "https://evil.example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	open := newTestEnv(t, Config{})
	rec = open.do(http.MethodGet, "/health", "", "Origin", "https://anywhere.example.com")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: config.RateLimitConfig{RequestsPerSecond: 0.5, Burst: 2}})

	for range 2 {
		rec := env.do(http.MethodGet, "/v1/models", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_error", decodeError(t, rec).Type)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different client has its own bucket.
	rec = env.do(http.MethodGet, "/v1/models", "", "Authorization", "Bearer someone-else")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unversioned endpoints are not limited.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)

	rec = env.do(http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "steward_http_rate_limited_total 1")
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.do(http.MethodGet, "/v1/models", "")
	env.do(http.MethodGet, "/does-not-exist", "")

	rec := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `steward_http_requests_total{code="OK",path="GET /v1/models"} 1`)
	assert.Contains(t, body, `steward_http_requests_total{code="Not Found",path="unmatched"} 1`)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(req), "header %q", tt.header)
	}
}
