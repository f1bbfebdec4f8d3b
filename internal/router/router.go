// Package router classifies each conversational turn as casual chat or
// a financial question, and keeps an audit trail of its decisions.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wealth-steward/internal/llm"
	"github.com/nugget/wealth-steward/internal/prompts"
)

// Intent is the destination a turn is routed to.
type Intent string

// Intents. IntentNone means classification failed and the turn ends
// without an answer.
const (
	IntentNone      Intent = ""
	IntentSmallTalk Intent = "small_talk"
	IntentMainAgent Intent = "main_agent"
)

func (i Intent) String() string {
	if i == IntentNone {
		return "none"
	}
	return string(i)
}

// ParseIntent maps a raw classifier reply to an Intent. It accepts the
// structured {"destination": ...} object or a bare token, and returns
// IntentNone for anything else.
func ParseIntent(raw string) Intent {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.Trim(s, "`\n ")
	}

	var obj struct {
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		s = obj.Destination
	}

	s = strings.ToLower(strings.Trim(s, " \t\r\n\"'.`"))
	switch Intent(s) {
	case IntentSmallTalk, IntentMainAgent:
		return Intent(s)
	}
	return IntentNone
}

// Request is one classification.
type Request struct {
	RequestID string // defaults to a fresh UUID
	ThreadID  string
	Messages  []llm.Message
}

// Decision records how a turn was classified.
type Decision struct {
	RequestID string    `json:"request_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Input analysis
	MessageCount int    `json:"message_count"`
	QueryLength  int    `json:"query_length"`
	Model        string `json:"model"`

	// Outcome
	Raw       string `json:"raw,omitempty"`
	Intent    Intent `json:"intent"`
	Reasoning string `json:"reasoning"`
	Error     string `json:"error,omitempty"`

	LatencyMs    int64 `json:"latency_ms"`
	InputTokens  int   `json:"input_tokens,omitempty"`
	OutputTokens int   `json:"output_tokens,omitempty"`
}

// Config holds router configuration.
type Config struct {
	Model       string // lightweight classification model
	MaxAuditLog int    // How many decisions to keep in memory
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	IntentCounts  map[string]int64 `json:"intent_counts"`
	Failures      int64            `json:"failures"`
	AvgLatencyMs  int64            `json:"avg_latency_ms"`
}

// Router classifies turns with a model call.
type Router struct {
	logger *slog.Logger
	client llm.Client
	config Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
	latency  int64 // summed, for the running average
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, client llm.Client, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger:   logger,
		client:   client,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			IntentCounts: make(map[string]int64),
		},
	}
}

// routeSchema constrains the classifier to the two destinations.
var routeSchema = &llm.Schema{
	Name: "route",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"destination": map[string]any{
				"type": "string",
				"enum": []string{string(IntentSmallTalk), string(IntentMainAgent)},
			},
		},
		"required":             []string{"destination"},
		"additionalProperties": false,
	},
}

// Classify routes the conversation's latest turn. Classifier output
// fragments are passed to emit as they stream. Failures are recorded
// and yield IntentNone; they never return an error.
func (r *Router) Classify(ctx context.Context, req Request, emit llm.StreamCallback) (Intent, *Decision) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	decision := &Decision{
		RequestID:    req.RequestID,
		ThreadID:     req.ThreadID,
		Timestamp:    time.Now(),
		MessageCount: len(req.Messages),
		QueryLength:  len(lastUserContent(req.Messages)),
		Model:        r.config.Model,
	}

	turns := make([]prompts.Turn, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == llm.RoleUser || m.Role == llm.RoleAssistant {
			turns = append(turns, prompts.Turn{Role: m.Role, Content: m.Content})
		}
	}

	zero := 0.0
	start := time.Now()
	resp, err := r.client.ChatStream(ctx, &llm.Request{
		Model:          r.config.Model,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: prompts.RouterPrompt(turns)}},
		Temperature:    &zero,
		MaxTokens:      64,
		ResponseSchema: routeSchema,
	}, emit)
	decision.LatencyMs = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		decision.Error = err.Error()
		decision.Reasoning = "Classifier call failed; ending turn without an answer."
	default:
		decision.Raw = resp.Message.Content
		decision.InputTokens = resp.InputTokens
		decision.OutputTokens = resp.OutputTokens
		decision.Intent = ParseIntent(resp.Message.Content)
		if decision.Intent == IntentNone {
			decision.Reasoning = "Unrecognized classifier output; ending turn without an answer."
		} else {
			decision.Reasoning = "Classifier selected " + string(decision.Intent) + "."
		}
	}

	r.recordDecision(*decision)

	level := slog.LevelInfo
	if decision.Intent == IntentNone {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "turn routed",
		"request_id", decision.RequestID,
		"thread", decision.ThreadID,
		"intent", decision.Intent.String(),
		"latency_ms", decision.LatencyMs,
		"error", decision.Error,
	)

	return decision.Intent, decision
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.IntentCounts[d.Intent.String()]++
	if d.Intent == IntentNone {
		r.stats.Failures++
	}
	r.latency += d.LatencyMs
	r.stats.AvgLatencyMs = r.latency / r.stats.TotalRequests
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	// Return most recent
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.IntentCounts = make(map[string]int64, len(r.stats.IntentCounts))
	for k, v := range r.stats.IntentCounts {
		s.IntentCounts[k] = v
	}
	return s
}

// Explain returns details about why a specific decision was made.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
