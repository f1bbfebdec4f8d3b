package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkSplitter separates inline <think>...</think> sections from text
// produced by models that do not report reasoning out of band. Tags may
// be split across any number of fragments.
type ThinkSplitter struct {
	inThink bool
	pending string
}

// Feed consumes one text fragment and returns the blocks that can be
// emitted so far. A trailing partial tag is held back.
func (s *ThinkSplitter) Feed(fragment string) []Block {
	buf := s.pending + fragment
	s.pending = ""

	var out []Block
	for buf != "" {
		tag := thinkOpen
		if s.inThink {
			tag = thinkClose
		}

		if i := strings.Index(buf, tag); i >= 0 {
			out = s.appendBlock(out, buf[:i])
			s.inThink = !s.inThink
			buf = buf[i+len(tag):]
			continue
		}

		keep := partialSuffix(buf, tag)
		out = s.appendBlock(out, buf[:len(buf)-keep])
		s.pending = buf[len(buf)-keep:]
		break
	}
	return out
}

// Flush returns any held-back partial tag as ordinary content.
func (s *ThinkSplitter) Flush() []Block {
	rest := s.pending
	s.pending = ""
	return s.appendBlock(nil, rest)
}

func (s *ThinkSplitter) appendBlock(out []Block, text string) []Block {
	if text == "" {
		return out
	}
	if s.inThink {
		return append(out, Reasoning(text))
	}
	return append(out, Text(text))
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	n := min(len(s), len(tag)-1)
	for ; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
