// Package search provides a pluggable web search interface for the agent.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration and exposes a single [Manager.Search] method that
// the tool layer calls.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means DefaultCount.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Result count bounds applied by the Manager.
const (
	DefaultCount = 5
	MaxCount     = 10
)

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default; when empty, the first
// registered provider becomes primary.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	m.mu.RLock()
	primary := m.primary
	m.mu.RUnlock()
	return m.SearchWith(ctx, primary, query, opts)
}

// SearchWith runs a query against a specific named provider. Result
// count is clamped to [1, MaxCount] and snippets are cleaned.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	m.mu.RLock()
	p, ok := m.providers[provider]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}

	switch {
	case opts.Count <= 0:
		opts.Count = DefaultCount
	case opts.Count > MaxCount:
		opts.Count = MaxCount
	}

	start := time.Now()
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		m.logger.Warn("web search failed", "provider", provider, "error", err)
		return nil, err
	}
	if len(results) > opts.Count {
		results = results[:opts.Count]
	}
	for i := range results {
		results[i].Title = CleanSnippet(results[i].Title)
		results[i].Snippet = CleanSnippet(results[i].Snippet)
	}

	m.logger.Debug("web search",
		"provider", provider,
		"query", query,
		"results", len(results),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return results, nil
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers) > 0
}
