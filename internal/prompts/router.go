package prompts

import (
	"fmt"
	"strings"
)

// routerTemplate instructs the classifier. The format verb is the
// recent conversation rendered as role: content lines.
const routerTemplate = `Classify the user's latest message in this conversation with a financial advisor.

Answer "small_talk" for greetings, thanks, pleasantries, questions about the assistant itself, and casual chat that needs no financial expertise.

Answer "main_agent" for anything about money: investing, saving, retirement, budgeting, debt, taxes, markets, specific securities, portfolios, or the user sharing their age, risk tolerance, time horizon, or financial goals. When in doubt, answer "main_agent".

Conversation:
%s

Respond with only the JSON object {"destination": "small_talk"} or {"destination": "main_agent"}.`

// routerContextMessages bounds how much history the classifier sees.
const routerContextMessages = 6

// routerMaxChars truncates each message shown to the classifier.
const routerMaxChars = 600

// Turn is a role and its text, for prompts that render conversation.
type Turn struct {
	Role    string
	Content string
}

// RouterPrompt returns the intent classification prompt for the last few
// turns of the conversation.
func RouterPrompt(turns []Turn) string {
	if len(turns) > routerContextMessages {
		turns = turns[len(turns)-routerContextMessages:]
	}
	var sb strings.Builder
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if len(content) > routerMaxChars {
			content = content[:routerMaxChars] + "..."
		}
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, content)
	}
	return fmt.Sprintf(routerTemplate, strings.TrimRight(sb.String(), "\n"))
}
