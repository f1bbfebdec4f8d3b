package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return "echo:" + String(args, "text"), nil
		},
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("web_search"))
	r.Register(echoTool("assess_portfolio_risk"))
	r.Register(echoTool("get_stock_quote"))

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	var names []string
	for _, entry := range list {
		if entry["type"] != "function" {
			t.Errorf("type = %v, want function", entry["type"])
		}
		fn := entry["function"].(map[string]any)
		names = append(names, fn["name"].(string))
	}
	got := strings.Join(names, ",")
	want := "assess_portfolio_risk,get_stock_quote,web_search"
	if got != want {
		t.Errorf("names = %s, want %s", got, want)
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	got, err := r.Execute(context.Background(), "echo", map[string]any{"text": " hi "})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "echo:hi" {
		t.Errorf("Execute = %q, want %q", got, "echo:hi")
	}

	if _, err := r.Execute(context.Background(), "echo", nil); err != nil {
		t.Errorf("nil args should be accepted: %v", err)
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "nope" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
}

func TestRegistry_ExecuteRawArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))
	_, err := r.Execute(context.Background(), "echo", map[string]any{"_raw": "{broken"})
	if err == nil || !strings.Contains(err.Error(), "invalid arguments") {
		t.Errorf("err = %v, want invalid arguments", err)
	}
}

func TestErrorPayload(t *testing.T) {
	got := ErrorPayload(errors.New(`bad "ticker"`))
	want := `{"error":"bad \"ticker\""}`
	if got != want {
		t.Errorf("ErrorPayload = %s, want %s", got, want)
	}
}

func TestArgumentHelpers(t *testing.T) {
	args := map[string]any{
		"f":      float64(2.5),
		"s":      "42",
		"bad":    "forty",
		"list":   []any{"AAPL", " ", "MSFT"},
		"single": "VTI",
	}

	tests := []struct {
		key    string
		want   float64
		wantOK bool
	}{
		{"f", 2.5, true},
		{"s", 42, true},
		{"bad", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := Float(args, tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Float(%q) = %v, %v; want %v, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}

	if n, ok := Int(args, "f"); n != 2 || !ok {
		t.Errorf("Int(f) = %d, %v", n, ok)
	}
	if got := strings.Join(Strings(args, "list"), ","); got != "AAPL,MSFT" {
		t.Errorf("Strings(list) = %s", got)
	}
	if got := Strings(args, "single"); len(got) != 1 || got[0] != "VTI" {
		t.Errorf("Strings(single) = %v", got)
	}
}
