package finance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/wealth-steward/internal/httpkit"
)

// DefaultBaseURL is the public Yahoo Finance chart API host.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// ErrNoData is returned when the chart API has no data for a symbol.
var ErrNoData = errors.New("no data found, symbol may be delisted")

// Client fetches chart data from a Yahoo-compatible chart API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a market data client. An empty baseURL selects
// DefaultBaseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(1, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Meta is the instrument metadata block of a chart response.
type Meta struct {
	Symbol             string  `json:"symbol"`
	Currency           string  `json:"currency"`
	ExchangeName       string  `json:"exchangeName"`
	InstrumentType     string  `json:"instrumentType"`
	LongName           string  `json:"longName"`
	ShortName          string  `json:"shortName"`
	RegularMarketPrice float64 `json:"regularMarketPrice"`
	PreviousClose      float64 `json:"previousClose"`
	ChartPreviousClose float64 `json:"chartPreviousClose"`
	DayHigh            float64 `json:"regularMarketDayHigh"`
	DayLow             float64 `json:"regularMarketDayLow"`
	FiftyTwoWeekHigh   float64 `json:"fiftyTwoWeekHigh"`
	FiftyTwoWeekLow    float64 `json:"fiftyTwoWeekLow"`
}

// Name returns the most descriptive name available.
func (m Meta) Name() string {
	switch {
	case m.LongName != "":
		return m.LongName
	case m.ShortName != "":
		return m.ShortName
	}
	return m.Symbol
}

// PriorClose returns the previous session close.
func (m Meta) PriorClose() float64 {
	if m.PreviousClose != 0 {
		return m.PreviousClose
	}
	return m.ChartPreviousClose
}

// Chart is a decoded price series. Bars with missing values are
// skipped, so Close, High and Low stay index-aligned.
type Chart struct {
	Meta      Meta
	Timestamp []time.Time
	Close     []float64
	High      []float64
	Low       []float64
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta       Meta    `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
					High  []*float64 `json:"high"`
					Low   []*float64 `json:"low"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Periods accepted by Chart, mapped to the bar interval requested.
var periodIntervals = map[string]string{
	"1d":  "5m",
	"5d":  "30m",
	"1mo": "1d",
	"3mo": "1d",
	"6mo": "1d",
	"1y":  "1d",
	"2y":  "1wk",
	"5y":  "1wk",
	"10y": "1mo",
	"ytd": "1d",
	"max": "1mo",
}

// ValidPeriod reports whether period is a supported chart range.
func ValidPeriod(period string) bool {
	_, ok := periodIntervals[period]
	return ok
}

// Chart fetches the price series of symbol over period.
func (c *Client) Chart(ctx context.Context, symbol, period string) (*Chart, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	interval, ok := periodIntervals[period]
	if !ok {
		return nil, fmt.Errorf("unsupported period %q", period)
	}

	params := url.Values{
		"range":    {period},
		"interval": {interval},
	}
	reqURL := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(symbol), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("chart %s: build request: %w", symbol, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chart %s: request failed: %w", symbol, err)
	}
	defer resp.Body.Close()

	var cr chartResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&cr)

	c.logger.Debug("chart fetched",
		"symbol", symbol,
		"period", period,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if cr.Chart.Error != nil {
		if cr.Chart.Error.Code == "Not Found" {
			return nil, fmt.Errorf("chart %s: %w", symbol, ErrNoData)
		}
		return nil, fmt.Errorf("chart %s: %s: %s", symbol, cr.Chart.Error.Code, cr.Chart.Error.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart %s: HTTP %d", symbol, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("chart %s: decode response: %w", symbol, decodeErr)
	}
	if len(cr.Chart.Result) == 0 {
		return nil, fmt.Errorf("chart %s: %w", symbol, ErrNoData)
	}

	r := cr.Chart.Result[0]
	chart := &Chart{Meta: r.Meta}
	if chart.Meta.Symbol == "" {
		chart.Meta.Symbol = symbol
	}
	if len(r.Indicators.Quote) == 0 {
		return chart, nil
	}
	q := r.Indicators.Quote[0]
	for i, ts := range r.Timestamp {
		if i >= len(q.Close) || q.Close[i] == nil {
			continue
		}
		closeV := *q.Close[i]
		high, low := closeV, closeV
		if i < len(q.High) && q.High[i] != nil {
			high = *q.High[i]
		}
		if i < len(q.Low) && q.Low[i] != nil {
			low = *q.Low[i]
		}
		chart.Timestamp = append(chart.Timestamp, time.Unix(ts, 0).UTC())
		chart.Close = append(chart.Close, closeV)
		chart.High = append(chart.High, high)
		chart.Low = append(chart.Low, low)
	}
	return chart, nil
}
