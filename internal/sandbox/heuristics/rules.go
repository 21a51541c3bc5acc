// Package heuristics scores observed window, process and file signals
// against anti-detection and malicious-behavior pattern sets. The model is a
// flat weighted vote: +1 per matched rule (+2 for exact title matches), a
// configurable integer threshold, ties counting as suspicious.
package heuristics

import (
	"regexp"
	"strings"
)

// MatchType selects how a rule pattern is compared.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
	MatchPrefix   MatchType = "prefix"
	MatchSuffix   MatchType = "suffix"
)

// Rule is one textual pattern.
type Rule struct {
	Pattern string
	Type    MatchType
}

// matches compares value against the rule, always case-insensitively:
// window titles, class names and process names arrive in whatever casing
// the platform reports. Invalid regex patterns never match; a broken rule
// must not take the whole rule set down.
func (r Rule) matches(value string) bool {
	switch r.Type {
	case MatchExact:
		return strings.EqualFold(r.Pattern, value)
	case MatchRegex:
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case MatchPrefix:
		return strings.HasPrefix(strings.ToLower(value), strings.ToLower(r.Pattern))
	case MatchSuffix:
		return strings.HasSuffix(strings.ToLower(value), strings.ToLower(r.Pattern))
	default:
		return strings.Contains(strings.ToLower(value), strings.ToLower(r.Pattern))
	}
}

// SizeRule matches a window whose dimensions fall within Tolerance of the
// rule's width and height.
type SizeRule struct {
	Width     int
	Height    int
	Tolerance int
}

func (r SizeRule) matches(width, height int) bool {
	tolerance := r.Tolerance
	if tolerance == 0 {
		tolerance = 50
	}
	return abs(width-r.Width) <= tolerance && abs(height-r.Height) <= tolerance
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// DefaultThreshold is the score at which a signal becomes suspect.
const DefaultThreshold = 3

// RuleSet bundles the independent rule categories and the vote threshold.
type RuleSet struct {
	Whitelist        []Rule
	TitleRules       []Rule
	ClassNameRules   []Rule
	ProcessNameRules []Rule
	WindowSizeRules  []SizeRule
	Keywords         []string

	EnableSizeDetection bool
	Threshold           int
}

// DefaultRuleSet returns the stock rule set used when no custom rules are
// configured.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		TitleRules: []Rule{
			{Pattern: "advertisement", Type: MatchContains},
			{Pattern: "special offer", Type: MatchContains},
			{Pattern: "you have won", Type: MatchContains},
		},
		Keywords: []string{
			"promotion", "discount", "free", "win", "prize",
			"bonus", "limited", "exclusive", "download now",
		},
		// Standard display ad formats. Tight tolerance: these are exact
		// IAB dimensions, not approximations.
		WindowSizeRules: []SizeRule{
			{Width: 300, Height: 250, Tolerance: 10},
			{Width: 728, Height: 90, Tolerance: 10},
			{Width: 468, Height: 60, Tolerance: 10},
			{Width: 320, Height: 50, Tolerance: 10},
			{Width: 160, Height: 600, Tolerance: 10},
		},
		EnableSizeDetection: true,
		Threshold:           DefaultThreshold,
	}
}
