package llm

import "context"

// Client is the interface that all model providers implement. Clients
// hold no per-request state and are safe for concurrent use.
type Client interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req *Request) (*ChatResponse, error)

	// ChatStream sends a request, delivering text and reasoning fragments
	// to callback as they arrive. The returned response carries the
	// assembled message. A nil callback behaves like Chat.
	ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
