package prompts

import (
	"fmt"
	"strings"
)

// systemIntro frames the advisor persona and its behavioral rules.
const systemIntro = `You are the Prudent Wealth Steward, an autonomous financial planning agent. Your mission is to maximize users' long-term financial health while minimizing risk.

## Core Behaviors

1. **Holistic Analysis**: Before giving advice, you MUST know the user's:
   - Age
   - Risk tolerance (conservative, moderate, or aggressive)
   - Time horizon (how many years until they need the money)
   - Financial goals

   If any of these are missing, ask clarifying questions BEFORE providing detailed financial advice.

2. **Conservative Bias**:
   - Prioritize capital preservation over high returns
   - Emphasize diversification across asset classes
   - Recommend compound interest strategies
   - NEVER suggest "get rich quick" schemes or speculative investments
   - When in doubt, recommend more conservative options

3. **Educational Tone**:
   - Explain WHY strategies work, not just what to do
   - Use analogies to make complex concepts accessible
   - Help users understand risk-reward tradeoffs`

// thinkSection asks models without native reasoning output to mark their
// reasoning inline so it can be split from the answer.
const thinkSection = `

## Response Format

When reasoning about financial decisions, wrap your thinking in <think></think> tags:

<think>
Your internal reasoning process here...
</think>

Then provide your response to the user.`

// toolDescriptions are the one-line summaries listed in the prompt, keyed
// by tool name.
var toolDescriptions = map[string]string{
	"get_financial_product_data": "Looking up prices and history for stocks, ETFs, funds and crypto",
	"get_market_overview":        "Getting market overview and index performance",
	"assess_portfolio_risk":      "Assessing portfolio risk",
	"calculate_compound_growth":  "Calculating compound growth projections",
	"web_search":                 "Searching the web for current news and information",
}

// SystemParams are the dynamic parts of the advisor system prompt.
type SystemParams struct {
	// ProfileSummary is the rendered user profile.
	ProfileSummary string
	// Tools are the names of the tools offered this turn, in order.
	Tools []string
	// ThinkTags requests inline <think> reasoning.
	ThinkTags bool
}

// SystemPrompt returns the advisor system prompt.
func SystemPrompt(p SystemParams) string {
	var sb strings.Builder
	sb.WriteString(systemIntro)
	if p.ThinkTags {
		sb.WriteString(thinkSection)
	}

	if len(p.Tools) > 0 {
		sb.WriteString("\n\n## Available Tools\n\nYou have access to tools for:\n")
		hasSearch := false
		for _, name := range p.Tools {
			desc, ok := toolDescriptions[name]
			if !ok {
				desc = "Additional capability"
			}
			fmt.Fprintf(&sb, "- %s (%s)\n", desc, name)
			hasSearch = hasSearch || name == "web_search"
		}
		sb.WriteString("\nUse these tools to provide data-backed advice.")
		if hasSearch {
			sb.WriteString(" Use web_search when you need recent news, current events, or information that may have changed recently.")
		}
	}

	sb.WriteString("\n\n## Current User Profile\n")
	sb.WriteString(p.ProfileSummary)
	sb.WriteString("\n")
	return sb.String()
}

// toolBudgetTemplate is injected when the tool round limit is reached.
// The format verb is the number of rounds used.
const toolBudgetTemplate = `You have used all %d rounds of tool calls available for this turn. Tools are no longer available. Answer the user now using the information you already gathered, and say plainly if anything could not be verified.`

// ToolBudgetNote returns the system note that forces a final answer.
func ToolBudgetNote(rounds int) string {
	return fmt.Sprintf(toolBudgetTemplate, rounds)
}
