package finance

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultIndices are reported by MarketOverview when none are given:
// S&P 500, Dow Jones, NASDAQ Composite and VIX.
var DefaultIndices = []string{"^GSPC", "^DJI", "^IXIC", "^VIX"}

// PeriodSummary summarizes the price series over the requested period.
type PeriodSummary struct {
	Period        string  `json:"period"`
	StartPrice    float64 `json:"start_price"`
	EndPrice      float64 `json:"end_price"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PercentChange float64 `json:"percent_change"`
}

// ProductData is a snapshot of one financial instrument.
type ProductData struct {
	Symbol         string         `json:"symbol"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Currency       string         `json:"currency,omitempty"`
	Exchange       string         `json:"exchange,omitempty"`
	CurrentPrice   float64        `json:"current_price"`
	PreviousClose  float64        `json:"previous_close,omitempty"`
	FiftyTwoWkHigh float64        `json:"52_week_high,omitempty"`
	FiftyTwoWkLow  float64        `json:"52_week_low,omitempty"`
	History        *PeriodSummary `json:"history_summary,omitempty"`
}

// ProductData fetches price data for symbol over period (default 1mo).
func (c *Client) ProductData(ctx context.Context, symbol, period string) (*ProductData, error) {
	if period == "" {
		period = "1mo"
	}
	chart, err := c.Chart(ctx, symbol, period)
	if err != nil {
		return nil, err
	}

	m := chart.Meta
	data := &ProductData{
		Symbol:         m.Symbol,
		Name:           m.Name(),
		Type:           instrumentType(m.InstrumentType),
		Currency:       m.Currency,
		Exchange:       m.ExchangeName,
		CurrentPrice:   round2(m.RegularMarketPrice),
		PreviousClose:  round2(m.PriorClose()),
		FiftyTwoWkHigh: round2(m.FiftyTwoWeekHigh),
		FiftyTwoWkLow:  round2(m.FiftyTwoWeekLow),
	}
	if n := len(chart.Close); n > 0 {
		first, last := chart.Close[0], chart.Close[n-1]
		sum := &PeriodSummary{
			Period:     period,
			StartPrice: round2(first),
			EndPrice:   round2(last),
			High:       round2(slices.Max(chart.High)),
			Low:        round2(slices.Min(chart.Low)),
		}
		if first != 0 {
			sum.PercentChange = round2((last - first) / first * 100)
		}
		data.History = sum
	}
	return data, nil
}

// IndexQuote is one entry of a market overview.
type IndexQuote struct {
	Name          string  `json:"name,omitempty"`
	Price         float64 `json:"price,omitempty"`
	Change        float64 `json:"change,omitempty"`
	ChangePercent float64 `json:"change_percent,omitempty"`
	DayHigh       float64 `json:"day_high,omitempty"`
	DayLow        float64 `json:"day_low,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Overview is a snapshot of several market indices.
type Overview struct {
	Indices   map[string]IndexQuote `json:"indices"`
	Timestamp time.Time             `json:"timestamp"`
	Note      string                `json:"note"`
}

// maxConcurrentFetches bounds parallel chart requests per tool call.
const maxConcurrentFetches = 4

// MarketOverview quotes each index concurrently. A failing index is
// reported in its entry rather than failing the whole overview.
func (c *Client) MarketOverview(ctx context.Context, indices []string) (*Overview, error) {
	if len(indices) == 0 {
		indices = DefaultIndices
	}

	var mu sync.Mutex
	out := &Overview{
		Indices: make(map[string]IndexQuote, len(indices)),
		Note:    "Market data may be delayed 15-20 minutes",
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, symbol := range indices {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		g.Go(func() error {
			q := c.indexQuote(gctx, symbol)
			mu.Lock()
			out.Indices[symbol] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.Timestamp = time.Now().UTC()
	return out, nil
}

func (c *Client) indexQuote(ctx context.Context, symbol string) IndexQuote {
	chart, err := c.Chart(ctx, symbol, "1d")
	if err != nil {
		c.logger.Warn("index quote failed", "symbol", symbol, "error", err)
		return IndexQuote{Error: err.Error()}
	}
	m := chart.Meta
	q := IndexQuote{
		Name:    m.Name(),
		Price:   round2(m.RegularMarketPrice),
		DayHigh: round2(m.DayHigh),
		DayLow:  round2(m.DayLow),
	}
	if prev := m.PriorClose(); prev != 0 {
		q.Change = round2(m.RegularMarketPrice - prev)
		q.ChangePercent = round2((m.RegularMarketPrice - prev) / prev * 100)
	}
	return q
}

// instrumentType normalizes the chart API's instrument type.
func instrumentType(t string) string {
	if t == "" {
		return "Unknown"
	}
	return strings.ToUpper(t)
}
