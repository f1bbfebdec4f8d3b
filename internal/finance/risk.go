package finance

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Holding is one position of a portfolio. Weight is a percentage.
type Holding struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
}

// WeightError reports portfolio weights that do not sum to roughly 100.
type WeightError struct {
	Total float64
}

func (e *WeightError) Error() string {
	return fmt.Sprintf("Portfolio weights sum to %g%%, not 100%%", e.Total)
}

// Suggestion is the remedy shown alongside a WeightError.
func (e *WeightError) Suggestion() string {
	return "Please adjust weights to sum to approximately 100%"
}

// weightTolerance is how far weights may stray from 100.
const weightTolerance = 5

// minBars is the fewest daily closes needed to estimate volatility.
const minBars = 21

// HoldingAnalysis is the per-holding part of a RiskReport.
type HoldingAnalysis struct {
	Symbol     string   `json:"symbol"`
	Weight     float64  `json:"weight"`
	Name       string   `json:"name,omitempty"`
	Type       string   `json:"type,omitempty"`
	Volatility *float64 `json:"volatility,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// RiskReport assesses a portfolio's volatility and diversification.
type RiskReport struct {
	PortfolioVolatility  *float64           `json:"portfolio_volatility"`
	RiskLevel            string             `json:"risk_level"`
	TypeBreakdown        map[string]float64 `json:"type_breakdown"`
	DiversificationScore int                `json:"diversification_score"`
	Holdings             []HoldingAnalysis  `json:"holdings_analysis"`
	Recommendations      []string           `json:"recommendations"`
}

// AssessRisk fetches a year of daily closes per holding and scores the
// portfolio. Per-holding fetch failures are reported in the holding's
// analysis; only invalid input is an error.
func (c *Client) AssessRisk(ctx context.Context, holdings []Holding) (*RiskReport, error) {
	if len(holdings) == 0 {
		return nil, errors.New("no holdings provided")
	}
	var total float64
	for _, h := range holdings {
		total += h.Weight
	}
	if math.Abs(total-100) > weightTolerance {
		return nil, &WeightError{Total: total}
	}

	analysis := make([]HoldingAnalysis, len(holdings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, h := range holdings {
		g.Go(func() error {
			analysis[i] = c.analyzeHolding(gctx, h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return buildReport(analysis), nil
}

func (c *Client) analyzeHolding(ctx context.Context, h Holding) HoldingAnalysis {
	a := HoldingAnalysis{
		Symbol: strings.ToUpper(strings.TrimSpace(h.Symbol)),
		Weight: h.Weight,
	}
	chart, err := c.Chart(ctx, a.Symbol, "1y")
	if err != nil {
		a.Error = err.Error()
		return a
	}
	a.Name = chart.Meta.Name()
	a.Type = instrumentType(chart.Meta.InstrumentType)
	if vol, ok := AnnualizedVolatility(chart.Close); ok {
		v := round2(vol)
		a.Volatility = &v
	}
	return a
}

// buildReport aggregates holding analyses into a report.
func buildReport(analysis []HoldingAnalysis) *RiskReport {
	breakdown := make(map[string]float64)
	var weighted float64
	haveVol := false
	for _, a := range analysis {
		t := a.Type
		if t == "" {
			t = "Unknown"
		}
		breakdown[t] += a.Weight
		if a.Volatility != nil {
			weighted += *a.Volatility * a.Weight / 100
			haveVol = true
		}
	}

	report := &RiskReport{
		RiskLevel:            "Unable to assess",
		TypeBreakdown:        make(map[string]float64, len(breakdown)),
		DiversificationScore: len(breakdown),
		Holdings:             analysis,
	}
	for k, v := range breakdown {
		report.TypeBreakdown[k] = round1(v)
	}

	var vol *float64
	if haveVol && weighted > 0 {
		v := round2(weighted)
		vol = &v
		report.PortfolioVolatility = vol
		report.RiskLevel = RiskLevel(weighted)
	}
	report.Recommendations = Recommendations(breakdown, vol)
	return report
}

// AnnualizedVolatility returns the sample standard deviation of daily
// simple returns scaled by √252, as a percentage. It needs at least
// minBars closes.
func AnnualizedVolatility(closes []float64) (float64, bool) {
	if len(closes) < minBars {
		return 0, false
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0, false
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(returns)-1))
	return std * math.Sqrt(252) * 100, true
}

// RiskLevel buckets an annualized volatility percentage.
func RiskLevel(volatility float64) string {
	switch {
	case volatility < 12:
		return "Low"
	case volatility < 18:
		return "Moderate"
	case volatility < 25:
		return "Moderately High"
	default:
		return "High"
	}
}

// Recommendations derives risk guidance from the weight breakdown and
// portfolio volatility (nil when unknown).
func Recommendations(breakdown map[string]float64, volatility *float64) []string {
	var recs []string

	switch n := len(breakdown); {
	case n < 3:
		recs = append(recs, "Low diversification: Consider adding assets from different sectors to reduce risk")
	case n >= 5:
		recs = append(recs, "Good sector diversification across the portfolio")
	}

	for _, name := range slices.Sorted(maps.Keys(breakdown)) {
		weight := breakdown[name]
		switch {
		case weight > 40:
			recs = append(recs, fmt.Sprintf("High concentration in %s (%.1f%%): Consider reducing to below 30%%", name, weight))
		case weight > 30:
			recs = append(recs, fmt.Sprintf("Moderate concentration in %s (%.1f%%): Monitor this allocation", name, weight))
		}
	}

	if volatility != nil {
		switch v := *volatility; {
		case v > 25:
			recs = append(recs, "High portfolio volatility: Consider adding bonds or low-volatility dividend stocks")
		case v > 20:
			recs = append(recs, "Moderately high volatility: May be suitable for long time horizons only")
		case v < 10:
			recs = append(recs, "Low volatility portfolio: Good for capital preservation, may underperform in bull markets")
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "Portfolio appears well-balanced for moderate risk tolerance")
	}
	return recs
}
