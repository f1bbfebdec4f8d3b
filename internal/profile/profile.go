// Package profile holds the financial profile collected over a
// conversation and extracts profile facts from user messages.
package profile

import (
	"fmt"
	"slices"
	"strings"
)

// RiskTolerance is the user's stated appetite for risk.
type RiskTolerance string

// Recognized risk tolerances.
const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// Valid reports whether r is one of the recognized tolerances.
func (r RiskTolerance) Valid() bool {
	switch r {
	case RiskConservative, RiskModerate, RiskAggressive:
		return true
	}
	return false
}

// Age bounds accepted into a profile.
const (
	MinAge = 18
	MaxAge = 120
)

// Profile is the user's financial profile. Absent fields are nil or
// empty; a field once set is never cleared by Merge.
type Profile struct {
	Age              *int          `json:"age,omitempty"`
	RiskTolerance    RiskTolerance `json:"risk_tolerance,omitempty"`
	TimeHorizonYears *int          `json:"time_horizon_years,omitempty"`
	Goals            []string      `json:"goals,omitempty"`
}

// IsComplete reports whether age, risk tolerance and time horizon are
// all known. Goals are optional.
func (p Profile) IsComplete() bool {
	return p.Age != nil && p.RiskTolerance != "" && p.TimeHorizonYears != nil
}

// IsEmpty reports whether none of the completeness fields are known.
func (p Profile) IsEmpty() bool {
	return p.Age == nil && p.RiskTolerance == "" && p.TimeHorizonYears == nil
}

// Missing lists the human-readable names of absent completeness fields
// in a fixed order.
func (p Profile) Missing() []string {
	var missing []string
	if p.Age == nil {
		missing = append(missing, "age")
	}
	if p.RiskTolerance == "" {
		missing = append(missing, "risk tolerance")
	}
	if p.TimeHorizonYears == nil {
		missing = append(missing, "time horizon")
	}
	return missing
}

// Update is a partial profile produced by extraction or supplied by a
// client. Nil and empty fields mean "no new information".
type Update struct {
	Age              *int          `json:"age,omitempty"`
	RiskTolerance    RiskTolerance `json:"risk_tolerance,omitempty"`
	TimeHorizonYears *int          `json:"time_horizon_years,omitempty"`
	Goals            []string      `json:"goals,omitempty"`
}

// IsEmpty reports whether u carries no information.
func (u Update) IsEmpty() bool {
	return u.Age == nil && u.RiskTolerance == "" && u.TimeHorizonYears == nil && len(u.Goals) == 0
}

// Merge returns p with every field present in u applied. Present values
// overwrite; absent values never clear. Goals are appended when not
// already listed (case-insensitive). Out-of-range ages and unknown risk
// tolerances are ignored.
func (p Profile) Merge(u Update) Profile {
	out := p
	if u.Age != nil && *u.Age >= MinAge && *u.Age <= MaxAge {
		age := *u.Age
		out.Age = &age
	}
	if u.RiskTolerance.Valid() {
		out.RiskTolerance = u.RiskTolerance
	}
	if u.TimeHorizonYears != nil && *u.TimeHorizonYears >= 0 {
		h := *u.TimeHorizonYears
		out.TimeHorizonYears = &h
	}
	if len(u.Goals) > 0 {
		out.Goals = slices.Clone(p.Goals)
		for _, g := range u.Goals {
			g = strings.TrimSpace(g)
			if g == "" || containsFold(out.Goals, g) {
				continue
			}
			out.Goals = append(out.Goals, g)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

const emptySummary = "No profile information collected yet. Ask about their age, risk tolerance, " +
	"time horizon, and financial goals before giving specific investment advice."

// Summary renders the profile for the reasoning system prompt: the known
// fields, followed by a directive to ask about whatever is missing.
func (p Profile) Summary() string {
	if p.IsEmpty() {
		return emptySummary
	}

	var lines []string
	if p.Age != nil {
		lines = append(lines, fmt.Sprintf("- Age: %d", *p.Age))
	}
	if p.RiskTolerance != "" {
		lines = append(lines, fmt.Sprintf("- Risk tolerance: %s", p.RiskTolerance))
	}
	if p.TimeHorizonYears != nil {
		lines = append(lines, fmt.Sprintf("- Time horizon: %d years", *p.TimeHorizonYears))
	}
	if len(p.Goals) > 0 {
		lines = append(lines, fmt.Sprintf("- Goals: %s", strings.Join(p.Goals, ", ")))
	}

	summary := strings.Join(lines, "\n")
	if missing := p.Missing(); len(missing) > 0 {
		summary += fmt.Sprintf("\n\nMissing information: %s - Ask about these before giving detailed investment advice.",
			strings.Join(missing, ", "))
	}
	return summary
}
