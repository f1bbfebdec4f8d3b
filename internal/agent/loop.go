// Package agent implements the turn-level conversation state machine:
// route the turn, then either chat casually or refresh the user's
// profile and reason with tools until an answer is produced.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/wealth-steward/internal/checkpoint"
	"github.com/nugget/wealth-steward/internal/llm"
	"github.com/nugget/wealth-steward/internal/metrics"
	"github.com/nugget/wealth-steward/internal/profile"
	"github.com/nugget/wealth-steward/internal/prompts"
	"github.com/nugget/wealth-steward/internal/router"
	"github.com/nugget/wealth-steward/internal/stream"
	"github.com/nugget/wealth-steward/internal/tools"
)

// Node names tag the stream events each stage produces.
const (
	NodeRouter       = "router"
	NodeSmalltalk    = "smalltalk"
	NodeProfileCheck = "check_profile"
	NodeAgent        = "agent"
	NodeTools        = "tools"
)

// DefaultMaxToolRounds bounds tool use per turn when none is configured.
const DefaultMaxToolRounds = 8

// saveTimeout bounds persistence after the answer has been produced.
const saveTimeout = 10 * time.Second

// Config tunes the loop.
type Config struct {
	MainModel     string
	FastModel     string
	Temperature   float64
	MaxTokens     int
	MaxToolRounds int
	TurnTimeout   time.Duration
	ThinkTags     bool // ask the main model for inline <think> reasoning
}

// Deps are the collaborators a Loop drives. Tools and Metrics may be
// nil.
type Deps struct {
	Logger  *slog.Logger
	Client  llm.Client
	Router  *router.Router
	Tools   *tools.Registry
	Store   checkpoint.Store
	Metrics *metrics.Metrics
}

// ModelError reports a failed model call. Stage is the node that made
// the call.
type ModelError struct {
	Stage string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s model call: %v", e.Stage, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Request is one conversational turn.
type Request struct {
	RequestID string
	ThreadID  string
	// Ephemeral turns are never persisted.
	Ephemeral bool
	// Messages is the client's view of the conversation.
	Messages    []llm.Message
	Temperature *float64
	MaxTokens   int
}

// Result summarizes a completed turn.
type Result struct {
	ThreadID     string
	Intent       router.Intent
	Model        string
	Content      string
	Reasoning    string
	ToolRounds   int
	InputTokens  int
	OutputTokens int
	State        *State
}

// Loop is the conversation orchestrator.
type Loop struct {
	logger  *slog.Logger
	client  llm.Client
	router  *router.Router
	tools   *tools.Registry
	store   checkpoint.Store
	metrics *metrics.Metrics
	config  Config
}

// NewLoop creates a new agent loop.
func NewLoop(deps Deps, config Config) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = DefaultMaxToolRounds
	}
	if config.FastModel == "" {
		config.FastModel = config.MainModel
	}
	return &Loop{
		logger:  deps.Logger,
		client:  deps.Client,
		router:  deps.Router,
		tools:   deps.Tools,
		store:   deps.Store,
		metrics: deps.Metrics,
		config:  config,
	}
}

// turn carries per-turn working data.
type turn struct {
	req    *Request
	state  *State
	events chan<- stream.Event
	result *Result
}

// emitter returns a callback that forwards model output as events from
// node. It gives up when ctx is done so a vanished consumer never
// blocks the turn.
func (t *turn) emitter(ctx context.Context, node string) llm.StreamCallback {
	return func(b llm.Block) {
		if t.events == nil || b.Text == "" {
			return
		}
		select {
		case t.events <- stream.Event{Node: node, Block: b}:
		case <-ctx.Done():
		}
	}
}

// Run executes one turn. Output fragments are sent on events, which is
// closed when Run returns; events may be nil. A turn that routes to no
// intent completes with an empty Result. Model and load failures return
// an error and persist nothing.
func (l *Loop) Run(ctx context.Context, req *Request, events chan<- stream.Event) (result *Result, err error) {
	if events != nil {
		defer close(events)
	}
	if req.ThreadID == "" {
		req.ThreadID = AnonymousThreadID()
		req.Ephemeral = true
	}
	if l.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	intent := router.IntentNone
	defer func() {
		status := "ok"
		switch {
		case err != nil && ctx.Err() != nil:
			status = "cancelled"
		case err != nil:
			status = "error"
		}
		l.metrics.ObserveTurn(intent.String(), status, time.Since(start))
	}()

	state := NewState(req.ThreadID)
	if !req.Ephemeral {
		if state, err = LoadState(ctx, l.store, req.ThreadID); err != nil {
			return nil, err
		}
	}
	if err := state.absorb(req.Messages); err != nil {
		return nil, err
	}

	t := &turn{
		req:    req,
		state:  state,
		events: events,
		result: &Result{ThreadID: req.ThreadID},
	}

	l.logger.Debug("turn started",
		"thread", req.ThreadID,
		"request_id", req.RequestID,
		"transcript", len(state.Transcript),
	)

	intent, _ = l.router.Classify(ctx, router.Request{
		RequestID: req.RequestID,
		ThreadID:  req.ThreadID,
		Messages:  state.Transcript,
	}, t.emitter(ctx, NodeRouter))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.result.Intent = intent

	switch intent {
	case router.IntentSmallTalk:
		err = l.smalltalk(ctx, t)
	case router.IntentMainAgent:
		l.checkProfile(t)
		err = l.reason(ctx, t)
	default:
		l.logger.Info("turn ended without intent", "thread", req.ThreadID)
		t.result.State = state
		return t.result, nil
	}
	if err != nil {
		return nil, err
	}

	state.Intent = intent
	state.Turns++
	state.UpdatedAt = time.Now().UTC()
	if !req.Ephemeral {
		l.save(ctx, state)
	}

	t.result.State = state
	l.logger.Info("turn completed",
		"thread", req.ThreadID,
		"intent", intent.String(),
		"tool_rounds", t.result.ToolRounds,
		"input_tokens", t.result.InputTokens,
		"output_tokens", t.result.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return t.result, nil
}

// save appends the state as the thread's next version. Failures are
// logged; the turn's answer has already been delivered.
func (l *Loop) save(ctx context.Context, state *State) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	data, err := state.Encode()
	if err == nil {
		_, err = l.store.Append(ctx, state.ThreadID, data, len(state.Transcript))
	}
	if err != nil {
		l.logger.Error("failed to save thread state", "thread", state.ThreadID, "error", err)
	}
}

func (l *Loop) temperature(req *Request) *float64 {
	if req.Temperature != nil {
		return req.Temperature
	}
	t := l.config.Temperature
	return &t
}

func (l *Loop) maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return l.config.MaxTokens
}

// smalltalk answers casual chat with the fast model: no tools, no
// profile.
func (l *Loop) smalltalk(ctx context.Context, t *turn) error {
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: prompts.SmalltalkPrompt()}}, t.state.dialogue()...)

	resp, err := l.client.ChatStream(ctx, &llm.Request{
		Model:       l.config.FastModel,
		Messages:    msgs,
		Temperature: l.temperature(t.req),
		MaxTokens:   l.maxTokens(t.req),
	}, t.emitter(ctx, NodeSmalltalk))
	if err != nil {
		return &ModelError{Stage: NodeSmalltalk, Err: err}
	}
	l.account(t, resp)

	reply := llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content}
	t.state.Transcript = append(t.state.Transcript, reply)
	t.result.Content = reply.Content
	return nil
}

// checkProfile folds whatever the user has said about themselves into
// the profile.
func (l *Loop) checkProfile(t *turn) {
	update := profile.Extract(t.state.UserUtterances())
	t.state.Profile = t.state.Profile.Merge(update)
	t.state.ProfileComplete = t.state.Profile.IsComplete()

	l.logger.Debug("profile checked",
		"thread", t.state.ThreadID,
		"complete", t.state.ProfileComplete,
		"missing", strings.Join(t.state.Profile.Missing(), ","),
	)
}

// reason runs the main model, executing requested tools between calls,
// until it answers without tool calls or the round budget is spent.
func (l *Loop) reason(ctx context.Context, t *turn) error {
	var deferred string // text the model produced alongside tool calls
	rounds := 0

	for {
		forced := rounds >= l.config.MaxToolRounds
		resp, err := l.callMain(ctx, t, forced, rounds)
		if err != nil {
			return &ModelError{Stage: NodeAgent, Err: err}
		}
		l.account(t, resp)

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		if forced {
			msg.ToolCalls = nil
		}

		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" && rounds > 0 {
				// Deferred text already streamed with its tool round.
				msg.Content = deferred
				if msg.Content == "" {
					msg.Content = prompts.EmptyResponseFallback
					t.emitter(ctx, NodeAgent)(llm.Text(msg.Content))
				}
			}
			t.state.Transcript = append(t.state.Transcript, msg)
			t.result.Content = msg.Content
			t.result.Reasoning = msg.Reasoning
			break
		}

		if strings.TrimSpace(msg.Content) != "" {
			deferred = msg.Content
		}
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", rounds, i)
			}
		}
		t.state.Transcript = append(t.state.Transcript, msg)

		rounds++
		if err := l.executeTools(ctx, t, msg.ToolCalls); err != nil {
			return err
		}
	}

	t.result.ToolRounds = rounds
	l.metrics.ObserveToolRounds(rounds)
	return nil
}

// callMain invokes the main model over the transcript. A forced call
// offers no tools and tells the model its tool budget is spent.
func (l *Loop) callMain(ctx context.Context, t *turn, forced bool, rounds int) (*llm.ChatResponse, error) {
	var toolNames []string
	var toolDefs []map[string]any
	if !forced {
		toolNames = l.tools.Names()
		toolDefs = l.tools.List()
	}

	system := prompts.SystemPrompt(prompts.SystemParams{
		ProfileSummary: t.state.Profile.Summary(),
		Tools:          toolNames,
		ThinkTags:      l.config.ThinkTags,
	})

	msgs := make([]llm.Message, 0, len(t.state.Transcript)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	msgs = append(msgs, t.state.Transcript...)
	if forced {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.ToolBudgetNote(rounds)})
		l.logger.Warn("tool round limit reached, forcing final answer",
			"thread", t.state.ThreadID,
			"rounds", rounds,
		)
	}

	return l.client.ChatStream(ctx, &llm.Request{
		Model:       l.config.MainModel,
		Messages:    msgs,
		Tools:       toolDefs,
		Temperature: l.temperature(t.req),
		MaxTokens:   l.maxTokens(t.req),
	}, t.emitter(ctx, NodeAgent))
}

// executeTools runs each call in order and appends one tool-result
// message per call. Tool failures become error payloads for the model
// to read; only cancellation stops the round.
func (l *Loop) executeTools(ctx context.Context, t *turn, calls []llm.ToolCall) error {
	announce := t.emitter(ctx, NodeTools)

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := call.Function.Name
		announce(llm.Reasoning("Using " + name + "…\n"))

		toolStart := time.Now()
		out, err := l.tools.Execute(ctx, name, call.Function.Arguments)
		l.metrics.ObserveToolCall(name, err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var unavailable *tools.ErrToolUnavailable
			if errors.As(err, &unavailable) {
				l.logger.Warn("model requested unknown tool", "thread", t.state.ThreadID, "tool", name)
			} else {
				l.logger.Warn("tool failed", "thread", t.state.ThreadID, "tool", name, "error", err)
			}
			out = tools.ErrorPayload(err)
		} else {
			l.logger.Debug("tool executed",
				"thread", t.state.ThreadID,
				"tool", name,
				"result_len", len(out),
				"elapsed", time.Since(toolStart).Round(time.Millisecond),
			)
		}

		t.state.Transcript = append(t.state.Transcript, llm.Message{
			Role:       llm.RoleTool,
			Content:    out,
			ToolCallID: call.ID,
			ToolName:   name,
		})
	}
	return nil
}

// account adds a model call's usage to the turn.
func (l *Loop) account(t *turn, resp *llm.ChatResponse) {
	t.result.Model = resp.Model
	t.result.InputTokens += resp.InputTokens
	t.result.OutputTokens += resp.OutputTokens
	l.metrics.AddTokens(resp.Model, resp.InputTokens, resp.OutputTokens)
}

// Thread returns the latest persisted state of a thread, or
// checkpoint.ErrNotFound.
func (l *Loop) Thread(ctx context.Context, threadID string) (*State, error) {
	cp, err := l.store.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return DecodeState(cp.Data)
}

// UpdateProfile merges a client-supplied profile update into the
// thread's latest state, overwriting that version in place. A thread
// with no state yet starts one.
func (l *Loop) UpdateProfile(ctx context.Context, threadID string, update profile.Update) (*State, error) {
	state, err := LoadState(ctx, l.store, threadID)
	if err != nil {
		return nil, err
	}
	state.Profile = state.Profile.Merge(update)
	state.ProfileComplete = state.Profile.IsComplete()
	state.UpdatedAt = time.Now().UTC()

	data, err := state.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := l.store.Put(ctx, threadID, data, len(state.Transcript)); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	l.logger.Info("profile updated", "thread", threadID, "complete", state.ProfileComplete)
	return state, nil
}
