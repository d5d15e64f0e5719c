// Package detect finds sensitive data in text.
//
// Detectors are independent strategies; an Engine composes them with an
// explicit fallback order and merges their findings.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
)

// Category tags used by the built-in detectors and the default policy table.
const (
	CreditCard   = "credit_card"
	SIN          = "sin"
	SSN          = "ssn"
	Email        = "email"
	Person       = "person"
	Organization = "organization"
)

// Position is a half-open byte range into the scanned text.
type Position struct {
	Start int
	End   int
}

// MarshalJSON encodes the position as a [start, end] pair.
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.Start, p.End})
}

// UnmarshalJSON decodes a [start, end] pair.
func (p *Position) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	p.Start, p.End = pair[0], pair[1]
	return nil
}

// Detection is one located, scored match of a sensitive-data category.
type Detection struct {
	PatternType string   `json:"pattern_type"`
	MatchedText string   `json:"matched_text"`
	Confidence  float64  `json:"confidence"`
	Position    Position `json:"position"`
}

// Detector is a single detection strategy.
type Detector interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Detect returns findings at or above minConfidence. Implementations must
	// not fail: an unusable strategy returns no findings.
	Detect(ctx context.Context, text string, minConfidence float64) []Detection
}
