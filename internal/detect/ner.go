package detect

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shineum/mailguard/internal/classifier"
)

// maxNERChars caps the text sent to the classifier.
const maxNERChars = 50000

var entityTypes = map[string]string{
	"CREDIT_CARD":       CreditCard,
	"US_SSN":            SSN,
	"SSN":               SSN,
	"CANADIAN_SIN":      SIN,
	"EMAIL_ADDRESS":     Email,
	"PHONE_NUMBER":      "phone",
	"IBAN_CODE":         "iban",
	"IP_ADDRESS":        "ip_address",
	"PERSON":            Person,
	"ORGANIZATION":      Organization,
	"ORG":               Organization,
	"DATE_TIME":         "date_time",
	"LOCATION":          "location",
	"US_DRIVER_LICENSE": "driver_license",
	"US_PASSPORT":       "passport",
	"US_BANK_NUMBER":    "bank_account",
}

// NERDetector finds entities through a classifier collaborator. It never
// fails: classifier problems are logged and yield no findings.
type NERDetector struct {
	analyzer classifier.Analyzer
	language string
}

// NewNERDetector wraps analyzer. A nil analyzer makes the detector inert.
func NewNERDetector(analyzer classifier.Analyzer) *NERDetector {
	return &NERDetector{analyzer: analyzer, language: "en"}
}

// Name returns the strategy name.
func (d *NERDetector) Name() string {
	return "ner"
}

// Detect sends text to the classifier and maps the entities it returns.
func (d *NERDetector) Detect(ctx context.Context, text string, minConfidence float64) []Detection {
	if d.analyzer == nil || text == "" {
		return nil
	}

	text = truncateRunes(text, maxNERChars)
	entities, err := d.analyzer.Analyze(ctx, text, d.language, minConfidence)
	if err != nil {
		slog.Warn("classifier analysis failed", "error", err)
		return nil
	}

	offsets := runeOffsets(text)
	var results []Detection
	for _, e := range entities {
		if e.Start < 0 || e.End > len(offsets)-1 || e.Start >= e.End {
			continue
		}
		if e.Score < minConfidence {
			continue
		}
		start, end := offsets[e.Start], offsets[e.End]
		results = append(results, Detection{
			PatternType: mapEntityType(e.EntityType),
			MatchedText: text[start:end],
			Confidence:  clamp(e.Score),
			Position:    Position{Start: start, End: end},
		})
	}
	return results
}

func mapEntityType(entityType string) string {
	if mapped, ok := entityTypes[entityType]; ok {
		return mapped
	}
	return strings.ToLower(entityType)
}

// runeOffsets maps each character index, plus one past the end, to its byte offset.
func runeOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

func truncateRunes(text string, n int) string {
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
