package llm

// BlockKind is the closed set of content block variants.
type BlockKind int

const (
	// BlockUnknown is any provider block type this package does not
	// understand. Consumers drop it.
	BlockUnknown BlockKind = iota
	// BlockText is visible answer text.
	BlockText
	// BlockReasoning is the model's deliberation.
	BlockReasoning
)

func (k BlockKind) String() string {
	switch k {
	case BlockText:
		return "text"
	case BlockReasoning:
		return "reasoning"
	default:
		return "unknown"
	}
}

// Block is a fragment of model output.
type Block struct {
	Kind BlockKind
	Text string
}

// Text returns a text block.
func Text(s string) Block { return Block{Kind: BlockText, Text: s} }

// Reasoning returns a reasoning block.
func Reasoning(s string) Block { return Block{Kind: BlockReasoning, Text: s} }

// ParseBlock resolves a provider's loosely typed block tag once, at
// ingestion. Downstream code switches on Kind only.
func ParseBlock(tag, text string) Block {
	switch tag {
	case "text", "output_text":
		return Text(text)
	case "thinking", "reasoning", "reasoning_content":
		return Reasoning(text)
	default:
		return Block{Kind: BlockUnknown, Text: text}
	}
}
