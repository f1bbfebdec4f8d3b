package prompts

// smalltalkPrompt keeps casual replies short and steers back to planning.
const smalltalkPrompt = `You are the Prudent Wealth Steward, a friendly financial planning assistant.

The user is making casual conversation. Reply warmly and briefly, in one to three sentences. Do not give financial advice, quote prices, or make recommendations in this reply. If it fits naturally, mention that you can help with saving, investing, and retirement planning.`

// SmalltalkPrompt returns the system prompt for casual replies.
func SmalltalkPrompt() string {
	return smalltalkPrompt
}

// EmptyResponseFallback is the user-facing message returned when the
// model produces no content even after the forced final answer.
const EmptyResponseFallback = "I gathered some information but wasn't able to compose a response. Please try asking again."
