package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/wealth-steward/internal/tools"
)

// ToolName is the name the model calls web search by.
const ToolName = "web_search"

// Response is the tool result handed back to the model.
type Response struct {
	Query    string   `json:"query"`
	Provider string   `json:"provider,omitempty"`
	Results  []Result `json:"results"`
}

// RegisterTool adds web_search to reg. Nothing is registered when the
// manager has no providers.
func RegisterTool(reg *tools.Registry, mgr *Manager) {
	if mgr == nil || !mgr.Configured() {
		return
	}
	reg.Register(&tools.Tool{
		Name: ToolName,
		Description: "Search the web for current information. Use this for recent news about markets, companies, " +
			"or economic events, facts that may have changed recently, and recent financial regulations or policy changes.",
		Parameters: ToolDefinition(),
		Handler:    ToolHandler(mgr),
	})
}

// ToolHandler returns a function compatible with the tools.Tool Handler
// signature. Search failures come back as advice text rather than an
// error so the model can continue without the results.
func ToolHandler(mgr *Manager) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query := tools.String(args, "query")
		if query == "" {
			return "", errors.New("query is required")
		}

		opts := Options{Language: tools.String(args, "language")}
		if count, ok := tools.Int(args, "count"); ok {
			opts.Count = count
		}

		var results []Result
		var err error
		provider := tools.String(args, "provider")
		if provider != "" {
			results, err = mgr.SearchWith(ctx, provider, query, opts)
		} else {
			results, err = mgr.Search(ctx, query, opts)
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return FailureText(err), nil
		}

		out, err := json.Marshal(Response{Query: query, Provider: provider, Results: results})
		if err != nil {
			return "", fmt.Errorf("encode results: %w", err)
		}
		return string(out), nil
	}
}

// FailureText is what the model sees when a search fails.
func FailureText(err error) string {
	return fmt.Sprintf("Search failed: %v. Please try rephrasing your query or proceed without this information.", err)
}

// ToolDefinition returns the JSON Schema parameters for the web_search tool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query for finding current information on the web.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return (1-10). Default: 5.",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
			},
			"provider": map[string]any{
				"type":        "string",
				"description": "Search provider to use. Omit for default.",
			},
		},
		"required": []string{"query"},
	}
}
