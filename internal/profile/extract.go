package profile

import (
	"regexp"
	"strconv"
	"strings"
)

// Patterns are matched against lower-cased text. Within each list the
// first pattern that matches decides for that message.
var (
	agePatterns = []*regexp.Regexp{
		regexp.MustCompile(`i(?:'m| am) (\d{2,3})(?: years old)?`),
		regexp.MustCompile(`(\d{2,3}) years old`),
		regexp.MustCompile(`age[:\s]+(\d{2,3})`),
	}

	horizonPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d+)\s*years?\s*(?:time\s*)?horizon`),
		regexp.MustCompile(`horizon\s*(?:of\s*)?(\d+)\s*years?`),
		regexp.MustCompile(`invest(?:ing)?\s*for\s*(\d+)\s*years?`),
		regexp.MustCompile(`retire\s*in\s*(\d+)\s*years?`),
	}

	goalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`my goals? (?:is|are) (?:to )?([^.!?\n]+)`),
		regexp.MustCompile(`sav(?:e|ing) for (?:a |an |my |the )?([^.!?\n]+)`),
	}
)

const maxGoalLen = 80

// Extract scans user utterances in order and returns the profile facts
// they state. A later message overrides an earlier one for the same
// field. Malformed or out-of-range values are omitted, never reported.
func Extract(utterances []string) Update {
	var u Update
	for _, raw := range utterances {
		text := normalize(raw)

		if age, ok := extractAge(text); ok {
			u.Age = &age
		}
		if risk := extractRisk(text); risk != "" {
			u.RiskTolerance = risk
		}
		if years, ok := extractHorizon(text); ok {
			u.TimeHorizonYears = &years
		}
		for _, g := range extractGoals(text) {
			if !containsFold(u.Goals, g) {
				u.Goals = append(u.Goals, g)
			}
		}
	}
	return u
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "’", "'")
}

// extractAge returns the age from the first matching pattern. An
// out-of-range match still ends the search.
func extractAge(text string) (int, bool) {
	for _, re := range agePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		age, err := strconv.Atoi(m[1])
		if err != nil || age < MinAge || age > MaxAge {
			return 0, false
		}
		return age, true
	}
	return 0, false
}

func extractRisk(text string) RiskTolerance {
	mentionsRisk := strings.Contains(text, "risk")
	switch {
	case mentionsRisk && strings.Contains(text, "conservative"):
		return RiskConservative
	case mentionsRisk && strings.Contains(text, "aggressive"):
		return RiskAggressive
	case mentionsRisk && strings.Contains(text, "moderate"):
		return RiskModerate
	case strings.Contains(text, "i prefer conservative") || strings.Contains(text, "low risk"):
		return RiskConservative
	case strings.Contains(text, "i prefer aggressive") || strings.Contains(text, "high risk"):
		return RiskAggressive
	}
	return ""
}

func extractHorizon(text string) (int, bool) {
	for _, re := range horizonPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		years, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return years, true
	}
	return 0, false
}

func extractGoals(text string) []string {
	var goals []string
	for _, re := range goalPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			g := strings.TrimSpace(m[1])
			if g == "" || len(g) > maxGoalLen {
				continue
			}
			goals = append(goals, g)
		}
	}
	return goals
}
