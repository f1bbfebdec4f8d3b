package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not registered. The agent reports it to the model as an error
// payload rather than failing the turn.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
