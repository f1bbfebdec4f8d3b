// Package finance implements the market-data and calculator tools the
// advisor uses: compound growth projections, instrument quotes, market
// overviews and portfolio risk assessment.
package finance

import (
	"errors"
	"math"
)

// GrowthInput describes a compound growth projection. AnnualRate is a
// percentage (7 means 7%).
type GrowthInput struct {
	Principal           float64
	AnnualRate          float64
	Years               int
	MonthlyContribution float64
}

// YearBalance is the balance at the end of one projected year.
type YearBalance struct {
	Year    int     `json:"year"`
	Balance float64 `json:"balance"`
}

// GrowthResult is a compound growth projection.
type GrowthResult struct {
	Principal           float64       `json:"principal"`
	AnnualRate          float64       `json:"annual_rate"`
	Years               int           `json:"years"`
	MonthlyContribution float64       `json:"monthly_contribution"`
	TotalContributions  float64       `json:"total_contributions"`
	FutureValue         float64       `json:"future_value"`
	TotalGrowth         float64       `json:"total_growth"`
	GrowthPercentage    float64       `json:"growth_percentage"`
	YearByYear          []YearBalance `json:"year_by_year"`
}

// breakdownYears caps the year_by_year table.
const breakdownYears = 10

// Validate reports invalid projection inputs.
func (in GrowthInput) Validate() error {
	var errs []error
	if in.Principal < 0 || math.IsNaN(in.Principal) || math.IsInf(in.Principal, 0) {
		errs = append(errs, errors.New("principal must be a non-negative amount"))
	}
	if in.MonthlyContribution < 0 || math.IsNaN(in.MonthlyContribution) || math.IsInf(in.MonthlyContribution, 0) {
		errs = append(errs, errors.New("monthly_contribution must be a non-negative amount"))
	}
	if in.Years < 1 || in.Years > 100 {
		errs = append(errs, errors.New("years must be between 1 and 100"))
	}
	if in.AnnualRate < -100 || in.AnnualRate > 100 || math.IsNaN(in.AnnualRate) {
		errs = append(errs, errors.New("annual_rate must be a percentage between -100 and 100"))
	}
	return errors.Join(errs...)
}

// CompoundGrowth projects the future value of a lump sum compounded
// annually plus monthly contributions compounded monthly.
func CompoundGrowth(in GrowthInput) (*GrowthResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	r := in.AnnualRate / 100
	months := in.Years * 12

	fvPrincipal := in.Principal * math.Pow(1+r, float64(in.Years))

	var fvContributions float64
	if in.MonthlyContribution > 0 {
		monthly := r / 12
		if monthly == 0 {
			fvContributions = in.MonthlyContribution * float64(months)
		} else {
			fvContributions = in.MonthlyContribution * (math.Pow(1+monthly, float64(months)) - 1) / monthly
		}
	}

	future := fvPrincipal + fvContributions
	contributed := in.Principal + in.MonthlyContribution*float64(months)
	growth := future - contributed

	res := &GrowthResult{
		Principal:           round2(in.Principal),
		AnnualRate:          round2(in.AnnualRate),
		Years:               in.Years,
		MonthlyContribution: round2(in.MonthlyContribution),
		TotalContributions:  round2(contributed),
		FutureValue:         round2(future),
		TotalGrowth:         round2(growth),
		YearByYear:          yearlyBreakdown(in.Principal, r, min(in.Years, breakdownYears), in.MonthlyContribution),
	}
	if contributed > 0 {
		res.GrowthPercentage = round2(growth / contributed * 100)
	}
	return res, nil
}

// yearlyBreakdown compounds monthly, adding the contribution at the end
// of each month.
func yearlyBreakdown(principal, rate float64, years int, contribution float64) []YearBalance {
	out := make([]YearBalance, 0, years)
	balance := principal
	monthly := rate / 12
	for year := 1; year <= years; year++ {
		for range 12 {
			balance = balance*(1+monthly) + contribution
		}
		out = append(out, YearBalance{Year: year, Balance: round2(balance)})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
