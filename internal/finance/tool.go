package finance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/wealth-steward/internal/tools"
)

// Tool names.
const (
	ToolCompoundGrowth = "calculate_compound_growth"
	ToolProductData    = "get_financial_product_data"
	ToolMarketOverview = "get_market_overview"
	ToolPortfolioRisk  = "assess_portfolio_risk"
)

// RegisterTools adds the finance tools to reg. The calculator needs no
// client; the market tools are skipped when c is nil.
func RegisterTools(reg *tools.Registry, c *Client) {
	reg.Register(&tools.Tool{
		Name: ToolCompoundGrowth,
		Description: "Calculate compound growth of an investment over time, with optional monthly contributions. " +
			"Use this to show how money grows with compound returns and regular saving. Returns a projection with a year-by-year breakdown.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"principal": map[string]any{
					"type":        "number",
					"description": "Initial investment amount in dollars.",
				},
				"annual_rate": map[string]any{
					"type":        "number",
					"description": "Expected annual return as a percentage (e.g. 7 for 7%).",
				},
				"years": map[string]any{
					"type":        "integer",
					"description": "Number of years to grow (1-100).",
				},
				"monthly_contribution": map[string]any{
					"type":        "number",
					"description": "Monthly contribution in dollars. Default: 0.",
				},
			},
			"required": []string{"principal", "annual_rate", "years"},
		},
		Handler: handleCompoundGrowth,
	})

	if c == nil {
		return
	}

	reg.Register(&tools.Tool{
		Name: ToolProductData,
		Description: "Get price data for stocks, ETFs, mutual funds, crypto, and other financial products. " +
			"Returns current price, previous close, 52-week range, and a summary of the requested period.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Ticker symbol (e.g. 'AAPL', 'VOO', 'BTC-USD', 'GC=F').",
				},
				"period": map[string]any{
					"type":        "string",
					"description": "Time period: 1d, 5d, 1mo, 3mo, 6mo, 1y, 2y, 5y, 10y, ytd, max. Default: 1mo.",
				},
			},
			"required": []string{"symbol"},
		},
		Handler: c.handleProductData,
	})

	reg.Register(&tools.Tool{
		Name: ToolMarketOverview,
		Description: "Get an overview of major market indices and their current performance. " +
			"Use this to understand overall market conditions before making recommendations. " +
			"Default indices: S&P 500 (^GSPC), Dow Jones (^DJI), NASDAQ (^IXIC), VIX (^VIX).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"indices": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Index symbols to check. Omit for the defaults.",
				},
			},
		},
		Handler: c.handleMarketOverview,
	})

	reg.Register(&tools.Tool{
		Name: ToolPortfolioRisk,
		Description: "Assess the risk profile of a portfolio from its holdings. " +
			"Returns annualized volatility, a risk level, an instrument type breakdown, and diversification recommendations.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"holdings": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"symbol": map[string]any{"type": "string"},
							"weight": map[string]any{
								"type":        "number",
								"description": "Percentage of the portfolio (0-100).",
							},
						},
						"required": []string{"symbol", "weight"},
					},
					"description": "Holdings with symbol and weight; weights should sum to 100.",
				},
			},
			"required": []string{"holdings"},
		},
		Handler: c.handleAssessRisk,
	})
}

func handleCompoundGrowth(_ context.Context, args map[string]any) (string, error) {
	in := GrowthInput{}
	var ok bool
	if in.Principal, ok = tools.Float(args, "principal"); !ok {
		return "", errors.New("principal is required")
	}
	if in.AnnualRate, ok = tools.Float(args, "annual_rate"); !ok {
		return "", errors.New("annual_rate is required")
	}
	if in.Years, ok = tools.Int(args, "years"); !ok {
		return "", errors.New("years is required")
	}
	in.MonthlyContribution, _ = tools.Float(args, "monthly_contribution")

	res, err := CompoundGrowth(in)
	if err != nil {
		return "", err
	}
	return marshal(res)
}

func (c *Client) handleProductData(ctx context.Context, args map[string]any) (string, error) {
	symbol := tools.String(args, "symbol")
	if symbol == "" {
		return "", errors.New("symbol is required")
	}
	period := strings.ToLower(tools.String(args, "period"))
	if period != "" && !ValidPeriod(period) {
		return "", fmt.Errorf("unsupported period %q; use 1d, 5d, 1mo, 3mo, 6mo, 1y, 2y, 5y, 10y, ytd or max", period)
	}

	data, err := c.ProductData(ctx, symbol, period)
	if err != nil {
		return "", err
	}
	return marshal(data)
}

func (c *Client) handleMarketOverview(ctx context.Context, args map[string]any) (string, error) {
	overview, err := c.MarketOverview(ctx, tools.Strings(args, "indices"))
	if err != nil {
		return "", err
	}
	return marshal(overview)
}

func (c *Client) handleAssessRisk(ctx context.Context, args map[string]any) (string, error) {
	holdings, err := parseHoldings(args["holdings"])
	if err != nil {
		return "", err
	}

	report, err := c.AssessRisk(ctx, holdings)
	var weightErr *WeightError
	if errors.As(err, &weightErr) {
		return marshal(map[string]string{
			"warning":    weightErr.Error(),
			"suggestion": weightErr.Suggestion(),
		})
	}
	if err != nil {
		return "", err
	}
	return marshal(report)
}

func parseHoldings(v any) ([]Holding, error) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, errors.New("no holdings provided")
	}
	holdings := make([]Holding, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("holding %d: expected an object with symbol and weight", i)
		}
		symbol := tools.String(m, "symbol")
		if symbol == "" {
			return nil, fmt.Errorf("holding %d: symbol is required", i)
		}
		weight, _ := tools.Float(m, "weight")
		holdings = append(holdings, Holding{Symbol: symbol, Weight: weight})
	}
	return holdings, nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
