package detect

import (
	"context"
	"log/slog"
	"sort"
)

// Engine runs detection strategies in a fixed fallback order.
type Engine struct {
	strategies []Detector
}

// NewEngine creates an engine that tries strategies in the order given and
// uses the first one that reports anything. Probabilistic strategies go
// first, the deterministic regex strategy last.
func NewEngine(strategies ...Detector) *Engine {
	return &Engine{strategies: strategies}
}

// DetectPatterns returns deduplicated findings ordered by start offset.
func (e *Engine) DetectPatterns(ctx context.Context, text string, minConfidence float64) []Detection {
	if text == "" {
		return nil
	}

	for _, s := range e.strategies {
		found := s.Detect(ctx, text, minConfidence)
		if len(found) == 0 {
			continue
		}
		slog.Debug("detection strategy matched",
			"strategy", s.Name(),
			"count", len(found),
		)
		return dedupe(found)
	}
	return nil
}

type dedupeKey struct {
	patternType string
	matchedText string
	start       int
}

// dedupe drops repeated (type, text, start) findings, keeping the first, and
// sorts the survivors by start offset.
func dedupe(detections []Detection) []Detection {
	seen := make(map[dedupeKey]struct{}, len(detections))
	result := make([]Detection, 0, len(detections))
	for _, d := range detections {
		key := dedupeKey{d.PatternType, d.MatchedText, d.Position.Start}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, d)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Position.Start < result[j].Position.Start
	})
	return result
}

// Summarize counts findings per category.
func Summarize(detections []Detection) map[string]int {
	summary := make(map[string]int)
	for _, d := range detections {
		summary[d.PatternType]++
	}
	return summary
}

// Types returns the distinct categories in first-seen order.
func Types(detections []Detection) []string {
	seen := make(map[string]struct{})
	var types []string
	for _, d := range detections {
		if _, ok := seen[d.PatternType]; ok {
			continue
		}
		seen[d.PatternType] = struct{}{}
		types = append(types, d.PatternType)
	}
	return types
}
