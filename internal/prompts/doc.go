// Package prompts contains the LLM prompt templates the steward sends.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates interpolate the user's profile and the available tools, and can be
// validated by tests. Process configuration lives in config.yaml; this package
// holds the instructions sent to models.
//
// Convention: each prompt category gets its own file (system.go, router.go,
// smalltalk.go) with an exported function that accepts the dynamic parts and
// returns the fully interpolated prompt string.
package prompts
