package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTurn("main_agent", "ok", 2*time.Second)
	m.ObserveTurn("main_agent", "ok", time.Second)
	m.ObserveToolCall("web_search", nil)
	m.ObserveToolCall("web_search", errors.New("boom"))
	m.ObserveToolRounds(3)
	m.AddTokens("gpt-4o", 100, 20)
	m.ObserveRequest("/v1/models", http.StatusOK)
	m.RateLimited()

	done := m.StreamStarted()
	assert.InDelta(t, 1, testutil.ToFloat64(m.ActiveStreams), 0)
	done()
	assert.InDelta(t, 0, testutil.ToFloat64(m.ActiveStreams), 0)

	assert.InDelta(t, 2, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("main_agent", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("web_search", "error")), 0)
	assert.InDelta(t, 100, testutil.ToFloat64(m.TokensTotal.WithLabelValues("gpt-4o", "input")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/v1/models", "OK")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimitedTotal), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTurn("none", "ok", time.Millisecond)
	m.ObserveToolCall("x", nil)
	m.ObserveToolRounds(1)
	m.AddTokens("m", 1, 1)
	m.ObserveRequest("/", 200)
	m.RateLimited()
	m.StreamStarted()()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.ObserveToolCall("calculate_compound_growth", nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body),
		`steward_tool_calls_total{status="ok",tool="calculate_compound_growth"} 1`))
}
