package domain

import "time"

// MaxPerPatternAdjustment is the hard cap on any single pattern's
// contribution, built-in or operator-defined.
const MaxPerPatternAdjustment = 0.25

// PatternDetection is one named behavioral signature found in a subject's
// activity history. Detections are purely additive inputs to aggregation and
// are never persisted as a verdict by themselves.
type PatternDetection struct {
	PatternName    string         `json:"patternName"`
	RiskAdjustment float64        `json:"riskAdjustment"`
	Details        map[string]any `json:"details,omitempty"`
}

// PatternConfig defines an operator-supplied pattern detector. The CEL
// expression is evaluated over aggregate activity features and must return a
// bool; a true result fires the pattern with the configured adjustment.
type PatternConfig struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Expression  string    `json:"expression"`
	Adjustment  float64   `json:"adjustment"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
