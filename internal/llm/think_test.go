package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func collect(fragments []string) (text, reasoning string) {
	var s ThinkSplitter
	var tb, rb strings.Builder
	emit := func(blocks []Block) {
		for _, b := range blocks {
			switch b.Kind {
			case BlockText:
				tb.WriteString(b.Text)
			case BlockReasoning:
				rb.WriteString(b.Text)
			}
		}
	}
	for _, f := range fragments {
		emit(s.Feed(f))
	}
	emit(s.Flush())
	return tb.String(), rb.String()
}

func TestThinkSplitter(t *testing.T) {
	tests := []struct {
		name          string
		fragments     []string
		wantText      string
		wantReasoning string
	}{
		{
			name:      "no tags",
			fragments: []string{"plain ", "answer"},
			wantText:  "plain answer",
		},
		{
			name:          "whole tags",
			fragments:     []string{"<think>weigh bonds</think>Buy bonds."},
			wantText:      "Buy bonds.",
			wantReasoning: "weigh bonds",
		},
		{
			name:          "tags split across fragments",
			fragments:     []string{"<thi", "nk>hmm", "m</th", "ink>", "ok"},
			wantText:      "ok",
			wantReasoning: "hmmm",
		},
		{
			name:      "lone angle bracket",
			fragments: []string{"a <", " b"},
			wantText:  "a < b",
		},
		{
			name:      "dangling partial tag flushed as text",
			fragments: []string{"ends with <thi"},
			wantText:  "ends with <thi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, reasoning := collect(tt.fragments)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantReasoning, reasoning)
		})
	}
}

func TestParseBlock(t *testing.T) {
	assert.Equal(t, BlockText, ParseBlock("text", "x").Kind)
	assert.Equal(t, BlockReasoning, ParseBlock("thinking", "x").Kind)
	assert.Equal(t, BlockReasoning, ParseBlock("reasoning", "x").Kind)
	assert.Equal(t, BlockUnknown, ParseBlock("image", "x").Kind)
	assert.Equal(t, "unknown", BlockUnknown.String())
}
