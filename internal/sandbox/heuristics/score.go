package heuristics

import (
	"fmt"
	"strings"
)

// Signal carries one observation to be scored.
type Signal struct {
	Title       string
	ClassName   string
	ProcessName string
	Width       int
	Height      int

	// FileOps are recently observed file-operation paths attributed to the
	// sandboxed process.
	FileOps []string
}

// Verdict is the scoring outcome.
type Verdict struct {
	Suspect bool
	Score   int
	Reasons []string
}

// Score runs the weighted vote. The whitelist short-circuits: any matching
// whitelist pattern clears the signal regardless of the other categories.
func (rs RuleSet) Score(sig Signal) Verdict {
	for _, rule := range rs.Whitelist {
		if rule.matches(sig.Title) {
			return Verdict{Reasons: []string{fmt.Sprintf("whitelist: %s", rule.Pattern)}}
		}
	}

	score := 0
	var reasons []string

	for _, rule := range rs.TitleRules {
		if !rule.matches(sig.Title) {
			continue
		}
		if rule.Type == MatchExact {
			score += 2
			reasons = append(reasons, fmt.Sprintf("title exact: %s", rule.Pattern))
		} else {
			score++
			reasons = append(reasons, fmt.Sprintf("title: %s", rule.Pattern))
		}
	}

	for _, rule := range rs.ClassNameRules {
		if rule.matches(sig.ClassName) {
			score++
			reasons = append(reasons, fmt.Sprintf("class: %s", rule.Pattern))
		}
	}

	for _, rule := range rs.ProcessNameRules {
		if rule.matches(sig.ProcessName) {
			score++
			reasons = append(reasons, fmt.Sprintf("process: %s", rule.Pattern))
		}
	}

	if rs.EnableSizeDetection {
		for _, rule := range rs.WindowSizeRules {
			if rule.matches(sig.Width, sig.Height) {
				score++
				reasons = append(reasons, fmt.Sprintf("size: %dx%d", rule.Width, rule.Height))
			}
		}
	}

	lowTitle := strings.ToLower(sig.Title)
	for _, keyword := range rs.Keywords {
		if strings.Contains(lowTitle, strings.ToLower(keyword)) {
			score++
			reasons = append(reasons, fmt.Sprintf("keyword: %s", keyword))
		}
	}

	for _, finding := range ScanPaths(sig.FileOps) {
		score++
		reasons = append(reasons, finding)
	}

	threshold := rs.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	// a tie at exactly the threshold counts as suspicious
	return Verdict{
		Suspect: score >= threshold,
		Score:   score,
		Reasons: reasons,
	}
}
