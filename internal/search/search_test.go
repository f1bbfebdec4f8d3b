package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/wealth-steward/internal/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error
	gotOpts Options
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ string, opts Options) ([]Result, error) {
	m.gotOpts = opts
	return m.results, m.err
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager("mock", quietLogger())
	mgr.Register(&mockProvider{
		name: "mock",
		results: []Result{
			{Title: "Test", URL: "https://example.com", Snippet: "A <strong>test</strong> result"},
		},
	})

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Snippet != "A test result" {
		t.Errorf("snippet not cleaned: %q", results[0].Snippet)
	}
}

func TestManagerClampsCount(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultCount},
		{-3, DefaultCount},
		{3, 3},
		{50, MaxCount},
	}
	for _, tt := range tests {
		p := &mockProvider{name: "mock"}
		mgr := NewManager("", quietLogger())
		mgr.Register(p)
		if _, err := mgr.Search(context.Background(), "q", Options{Count: tt.in}); err != nil {
			t.Fatalf("Search: %v", err)
		}
		if p.gotOpts.Count != tt.want {
			t.Errorf("Count %d clamped to %d, want %d", tt.in, p.gotOpts.Count, tt.want)
		}
	}
}

func TestManagerSearchWith(t *testing.T) {
	mgr := NewManager("primary", quietLogger())
	mgr.Register(&mockProvider{name: "primary", results: []Result{{Title: "Primary"}}})
	mgr.Register(&mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}})

	results, err := mgr.SearchWith(context.Background(), "secondary", "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "Secondary" {
		t.Errorf("expected 'Secondary', got %q", results[0].Title)
	}
	if got := strings.Join(mgr.Providers(), ","); got != "primary,secondary" {
		t.Errorf("Providers() = %s", got)
	}
}

func TestManagerUnconfigured(t *testing.T) {
	mgr := NewManager("missing", quietLogger())
	if mgr.Configured() {
		t.Error("empty manager should not be configured")
	}
	_, err := mgr.Search(context.Background(), "test", Options{})
	if err == nil {
		t.Fatal("expected error for missing provider")
	}
}

func TestCleanSnippet(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "Index funds track a market.", "Index funds track a market."},
		{"strong", "Vanguard <strong>VTI</strong>'s expense ratio", "Vanguard VTI's expense ratio"},
		{"entities", "Stocks &amp; bonds &gt; cash", "Stocks & bonds > cash"},
		{"breaks", "line one<br>line two", "line one line two"},
		{"script", "safe<script>alert(1)</script> text", "safe text"},
		{"whitespace", "  many \n\t spaces  ", "many spaces"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanSnippet(tt.in); got != tt.want {
				t.Errorf("CleanSnippet(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanSnippetTruncates(t *testing.T) {
	long := strings.Repeat("diversify ", 100)
	got := CleanSnippet(long)
	if len(got) > maxSnippet+len("…") {
		t.Errorf("len = %d, want <= %d", len(got), maxSnippet)
	}
	if !strings.HasSuffix(got, "diversify…") {
		t.Errorf("expected word-boundary cut with ellipsis, got suffix %q", got[len(got)-20:])
	}
}

func TestSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if q := r.URL.Query().Get("q"); q != "bond ladder" {
			t.Errorf("q = %q", q)
		}
		fmt.Fprint(w, `{"results":[
			{"title":"A","url":"https://a.example","content":"first"},
			{"title":"B","url":"https://b.example","content":"second"},
			{"title":"C","url":"https://c.example","content":"third"}]}`)
	}))
	defer srv.Close()

	results, err := NewSearXNG(srv.URL+"/", quietLogger()).Search(context.Background(), "bond ladder", Options{Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[1].Snippet != "second" {
		t.Errorf("results = %+v", results)
	}
}

func TestBrave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "secret" {
			t.Errorf("token header = %q", got)
		}
		if got := r.URL.Query().Get("count"); got != "3" {
			t.Errorf("count = %q", got)
		}
		fmt.Fprint(w, `{"web":{"results":[{"title":"Roth IRA","url":"https://irs.example","description":"<strong>Roth</strong> limits"}]}}`)
	}))
	defer srv.Close()

	results, err := NewBrave("secret", srv.URL, quietLogger()).Search(context.Background(), "roth", Options{Count: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Roth IRA" {
		t.Errorf("results = %+v", results)
	}
}

func TestBraveHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewBrave("k", srv.URL, quietLogger()).Search(context.Background(), "q", Options{})
	if err == nil || !strings.Contains(err.Error(), "HTTP 429") {
		t.Errorf("err = %v, want HTTP 429", err)
	}
}

func TestToolHandler(t *testing.T) {
	mgr := NewManager("mock", quietLogger())
	mgr.Register(&mockProvider{name: "mock", results: []Result{{Title: "T", URL: "https://t.example"}}})
	reg := tools.NewRegistry()
	RegisterTool(reg, mgr)

	out, err := reg.Execute(context.Background(), ToolName, map[string]any{"query": "fed rate decision", "count": 2.0})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Query != "fed rate decision" || len(resp.Results) != 1 {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := reg.Execute(context.Background(), ToolName, map[string]any{}); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestToolHandlerFailureText(t *testing.T) {
	mgr := NewManager("mock", quietLogger())
	mgr.Register(&mockProvider{name: "mock", err: errors.New("upstream timeout")})

	out, err := ToolHandler(mgr)(context.Background(), map[string]any{"query": "q"})
	if err != nil {
		t.Fatalf("failures should not be errors: %v", err)
	}
	want := "Search failed: upstream timeout. Please try rephrasing your query or proceed without this information."
	if out != want {
		t.Errorf("out = %q, want %q", out, want)
	}
}

func TestRegisterToolUnconfigured(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterTool(reg, NewManager("", quietLogger()))
	if len(reg.Names()) != 0 {
		t.Errorf("registered %v without providers", reg.Names())
	}
}
