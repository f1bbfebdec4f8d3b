package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/wealth-steward/internal/llm"
)

// scriptedClient replies with a fixed string, streaming it in two pieces.
type scriptedClient struct {
	reply string
	err   error
	last  *llm.Request
}

func (c *scriptedClient) Chat(ctx context.Context, req *llm.Request) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

func (c *scriptedClient) ChatStream(_ context.Context, req *llm.Request, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	if cb != nil {
		half := len(c.reply) / 2
		cb(llm.Text(c.reply[:half]))
		cb(llm.Text(c.reply[half:]))
	}
	return &llm.ChatResponse{
		Model:        req.Model,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: c.reply},
		InputTokens:  40,
		OutputTokens: 6,
	}, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

func newTestRouter(client llm.Client) *Router {
	return NewRouter(nil, client, Config{
		Model:       "router-model",
		MaxAuditLog: 10,
	})
}

func userTurn(s string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: s}}
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		raw  string
		want Intent
	}{
		{raw: `{"destination": "small_talk"}`, want: IntentSmallTalk},
		{raw: `{"destination":"main_agent"}`, want: IntentMainAgent},
		{raw: "```json\n{\"destination\": \"main_agent\"}\n```", want: IntentMainAgent},
		{raw: "main_agent", want: IntentMainAgent},
		{raw: " \"Small_Talk\". ", want: IntentSmallTalk},
		{raw: `{"destination": "stock_picker"}`, want: IntentNone},
		{raw: "I think this is about money", want: IntentNone},
		{raw: "", want: IntentNone},
	}

	for _, tt := range tests {
		if got := ParseIntent(tt.raw); got != tt.want {
			t.Errorf("ParseIntent(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	client := &scriptedClient{reply: `{"destination": "main_agent"}`}
	r := newTestRouter(client)

	var streamed strings.Builder
	intent, d := r.Classify(context.Background(), Request{
		RequestID: "req-1",
		ThreadID:  "t1",
		Messages:  userTurn("Should I buy index funds?"),
	}, func(b llm.Block) { streamed.WriteString(b.Text) })

	if intent != IntentMainAgent {
		t.Fatalf("intent = %q, want main_agent", intent)
	}
	if d.RequestID != "req-1" || d.ThreadID != "t1" {
		t.Errorf("decision ids = %q/%q", d.RequestID, d.ThreadID)
	}
	if d.InputTokens != 40 || d.OutputTokens != 6 {
		t.Errorf("tokens = %d/%d", d.InputTokens, d.OutputTokens)
	}
	if streamed.String() != client.reply {
		t.Errorf("streamed %q, want %q", streamed.String(), client.reply)
	}

	req := client.last
	if req.Model != "router-model" {
		t.Errorf("model = %q", req.Model)
	}
	if req.ResponseSchema == nil || req.ResponseSchema.Name != "route" {
		t.Error("classifier request should carry the route schema")
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Error("classifier should run at temperature 0")
	}
	if !strings.Contains(req.Messages[0].Content, "user: Should I buy index funds?") {
		t.Error("prompt should include the conversation")
	}
}

func TestClassifyFailures(t *testing.T) {
	tests := []struct {
		name   string
		client *scriptedClient
	}{
		{name: "model error", client: &scriptedClient{err: errors.New("connection refused")}},
		{name: "garbage", client: &scriptedClient{reply: "hmm, hard to say"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(tt.client)
			intent, d := r.Classify(context.Background(), Request{Messages: userTurn("hi")}, nil)
			if intent != IntentNone {
				t.Errorf("intent = %q, want none", intent)
			}
			if d.RequestID == "" {
				t.Error("request ID should be generated")
			}
			if d.Reasoning == "" {
				t.Error("failure should be explained")
			}
			if r.GetStats().Failures != 1 {
				t.Errorf("failures = %d, want 1", r.GetStats().Failures)
			}
		})
	}
}

func TestStatsAndAuditLog(t *testing.T) {
	client := &scriptedClient{reply: "small_talk"}
	r := newTestRouter(client)

	for i := range 12 {
		if i == 11 {
			client.reply = "main_agent"
		}
		r.Classify(context.Background(), Request{RequestID: string(rune('a' + i)), Messages: userTurn("hello")}, nil)
	}

	stats := r.GetStats()
	if stats.TotalRequests != 12 {
		t.Errorf("total = %d, want 12", stats.TotalRequests)
	}
	if stats.IntentCounts["small_talk"] != 11 || stats.IntentCounts["main_agent"] != 1 {
		t.Errorf("counts = %v", stats.IntentCounts)
	}

	log := r.GetAuditLog(0)
	if len(log) != 10 {
		t.Fatalf("audit log len = %d, want 10 (capped)", len(log))
	}
	if log[0].RequestID != "c" {
		t.Errorf("oldest kept = %q, want c", log[0].RequestID)
	}

	recent := r.GetAuditLog(2)
	if len(recent) != 2 || recent[1].Intent != IntentMainAgent {
		t.Errorf("recent = %+v", recent)
	}

	if d := r.Explain("l"); d == nil || d.Intent != IntentMainAgent {
		t.Errorf("Explain(l) = %+v", d)
	}
	if d := r.Explain("a"); d != nil {
		t.Error("trimmed decision should not be explainable")
	}
}

func TestIntentString(t *testing.T) {
	if IntentNone.String() != "none" || IntentSmallTalk.String() != "small_talk" {
		t.Error("unexpected intent strings")
	}
}
