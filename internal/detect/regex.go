package detect

import (
	"context"
	"math"
	"regexp"
	"strings"
)

// separatorBonus is added to the base confidence of matches written with
// dashes or spaces.
const separatorBonus = 0.1

type regexRule struct {
	patternType string
	re          *regexp.Regexp
	confidence  float64
	validate    func(match string) bool
}

// RegexDetector matches a fixed table of patterns. It has no external
// dependencies, so the pipeline can always fall back to it.
type RegexDetector struct {
	rules []regexRule
}

// NewRegexDetector builds the detector with the built-in category table.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{
		rules: []regexRule{
			{
				patternType: CreditCard,
				re:          regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
				confidence:  0.9,
				validate:    hasSixteenDigits,
			},
			{
				patternType: SIN,
				re:          regexp.MustCompile(`\b\d{3}[-\s]?\d{3}[-\s]?\d{3}\b`),
				confidence:  0.85,
			},
			{
				patternType: SSN,
				re:          regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`),
				confidence:  0.85,
			},
			{
				patternType: Email,
				re:          regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
				confidence:  0.6,
			},
		},
	}
}

// Name returns the strategy name.
func (d *RegexDetector) Name() string {
	return "regex"
}

// Detect scans text with every rule, in table order.
func (d *RegexDetector) Detect(_ context.Context, text string, minConfidence float64) []Detection {
	var results []Detection
	for _, rule := range d.rules {
		for _, loc := range rule.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if rule.validate != nil && !rule.validate(match) {
				continue
			}

			confidence := scoreMatch(rule.confidence, match)
			if confidence < minConfidence {
				continue
			}

			results = append(results, Detection{
				PatternType: rule.patternType,
				MatchedText: match,
				Confidence:  confidence,
				Position:    Position{Start: loc[0], End: loc[1]},
			})
		}
	}
	return results
}

// scoreMatch applies the separator bonus, capped at 1.0 and rounded to two
// decimals so thresholds compare predictably.
func scoreMatch(base float64, match string) float64 {
	confidence := base
	if strings.ContainsAny(match, "- ") {
		confidence = math.Min(confidence+separatorBonus, 1.0)
	}
	return math.Round(confidence*100) / 100
}

// hasSixteenDigits rejects card-like strings that are not exactly 16 digits.
func hasSixteenDigits(match string) bool {
	digits := 0
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits == 16
}
