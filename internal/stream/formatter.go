package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/wealth-steward/internal/llm"
)

// Options configures a Formatter.
type Options struct {
	ID      string // defaults to NewCompletionID()
	Model   string
	Created time.Time
	// IgnoreNodes lists nodes whose events never reach the client.
	IgnoreNodes []string
	Logger      *slog.Logger
}

// Stats summarizes what a Formatter wrote.
type Stats struct {
	Chunks         int
	ContentBytes   int
	ReasoningBytes int
	Ignored        int
	Dropped        int // unknown block kinds
}

// lineBuffer accumulates one delta field and releases whole lines.
type lineBuffer struct {
	buf    strings.Builder
	lastNL bool // last accepted byte was '\n', including already flushed text
}

// append adds text with runs of newlines collapsed to one, across
// fragment boundaries as well as within a fragment.
func (b *lineBuffer) append(text string) {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' {
			if b.lastNL {
				continue
			}
			b.lastNL = true
		} else {
			b.lastNL = false
		}
		b.buf.WriteByte(c)
	}
}

// takeLines removes and returns everything up to and including the last
// newline, or "" when the buffer holds no complete line.
func (b *lineBuffer) takeLines() string {
	s := b.buf.String()
	i := strings.LastIndexByte(s, '\n')
	if i < 0 {
		return ""
	}
	b.buf.Reset()
	b.buf.WriteString(s[i+1:])
	return s[:i+1]
}

// takeAll empties the buffer.
func (b *lineBuffer) takeAll() string {
	s := b.buf.String()
	b.buf.Reset()
	return s
}

type field int

const (
	fieldContent field = iota
	fieldReasoning
)

// Formatter converts one turn's events into SSE chunks. It line-buffers
// content and reasoning independently, drops events from ignored nodes
// and unknown block kinds, and marks only the first emitted chunk with
// the assistant role. A Formatter is not safe for concurrent use.
type Formatter struct {
	w       io.Writer
	flusher interface{ Flush() }
	id      string
	model   string
	created int64
	ignore  map[string]bool
	logger  *slog.Logger

	content   lineBuffer
	reasoning lineBuffer
	roleSent  bool
	closed    bool
	err       error
	stats     Stats
}

// NewFormatter returns a Formatter writing to w. If w implements
// Flush() (http.ResponseWriter does), it is flushed after every event.
func NewFormatter(w io.Writer, opts Options) *Formatter {
	if opts.ID == "" {
		opts.ID = NewCompletionID()
	}
	if opts.Created.IsZero() {
		opts.Created = time.Now()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f := &Formatter{
		w:       w,
		id:      opts.ID,
		model:   opts.Model,
		created: opts.Created.Unix(),
		ignore:  make(map[string]bool, len(opts.IgnoreNodes)),
		logger:  opts.Logger,
	}
	if fl, ok := w.(interface{ Flush() }); ok {
		f.flusher = fl
	}
	for _, n := range opts.IgnoreNodes {
		f.ignore[n] = true
	}
	return f
}

// ID returns the completion id shared by every chunk of the turn.
func (f *Formatter) ID() string { return f.id }

// Stats reports counters for the turn so far.
func (f *Formatter) Stats() Stats { return f.stats }

// Run consumes events until the channel is closed or ctx is done. It
// returns the first write error or ctx.Err(); the caller must then stop
// the producer.
func (f *Formatter) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := f.Push(ev); err != nil {
				return err
			}
		}
	}
}

// Push processes one event, emitting any complete lines it produces.
func (f *Formatter) Push(ev Event) error {
	if f.err != nil {
		return f.err
	}
	if f.ignore[ev.Node] {
		f.stats.Ignored++
		return nil
	}

	var fl field
	switch ev.Block.Kind {
	case llm.BlockText:
		fl = fieldContent
	case llm.BlockReasoning:
		fl = fieldReasoning
	default:
		f.stats.Dropped++
		f.logger.Debug("dropping unknown block", "node", ev.Node, "len", len(ev.Block.Text))
		return nil
	}

	buf := f.buffer(fl)
	buf.append(ev.Block.Text)
	if lines := buf.takeLines(); lines != "" {
		return f.emit(fl, lines)
	}
	return nil
}

// Finish flushes both buffers, then writes the stop chunk and [DONE].
func (f *Formatter) Finish() error {
	if f.err != nil || f.closed {
		return f.err
	}
	if rest := f.reasoning.takeAll(); rest != "" {
		if err := f.emit(fieldReasoning, rest); err != nil {
			return err
		}
	}
	if rest := f.content.takeAll(); rest != "" {
		if err := f.emit(fieldContent, rest); err != nil {
			return err
		}
	}
	return f.terminate(FinishStop)
}

// Fail abandons buffered text and ends the stream with an error finish
// reason and [DONE].
func (f *Formatter) Fail() error {
	if f.err != nil || f.closed {
		return f.err
	}
	return f.terminate(FinishError)
}

// Done writes only the [DONE] sentinel, for turns that produced no
// answer at all.
func (f *Formatter) Done() error {
	if f.err != nil || f.closed {
		return f.err
	}
	f.closed = true
	return f.writeRaw("data: [DONE]\n\n")
}

func (f *Formatter) buffer(fl field) *lineBuffer {
	if fl == fieldReasoning {
		return &f.reasoning
	}
	return &f.content
}

func (f *Formatter) emit(fl field, text string) error {
	delta := Delta{}
	if !f.roleSent {
		delta.Role = llm.RoleAssistant
		f.roleSent = true
	}
	if fl == fieldReasoning {
		delta.ReasoningContent = &text
		f.stats.ReasoningBytes += len(text)
	} else {
		delta.Content = &text
		f.stats.ContentBytes += len(text)
	}
	return f.writeChunk(Choice{Delta: delta})
}

func (f *Formatter) terminate(reason string) error {
	f.closed = true
	if err := f.writeChunk(Choice{FinishReason: &reason}); err != nil {
		return err
	}
	return f.writeRaw("data: [DONE]\n\n")
}

func (f *Formatter) writeChunk(choice Choice) error {
	data, err := json.Marshal(Chunk{
		ID:      f.id,
		Object:  "chat.completion.chunk",
		Created: f.created,
		Model:   f.model,
		Choices: []Choice{choice},
	})
	if err != nil {
		f.err = fmt.Errorf("marshal chunk: %w", err)
		return f.err
	}
	f.stats.Chunks++
	return f.writeRaw("data: " + string(data) + "\n\n")
}

func (f *Formatter) writeRaw(s string) error {
	if _, err := io.WriteString(f.w, s); err != nil {
		f.err = fmt.Errorf("write sse: %w", err)
		return f.err
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return nil
}
