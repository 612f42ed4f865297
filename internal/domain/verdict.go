package domain

import "time"

// RiskVerdict is the calibrated synthesis of all domain findings for one
// investigation. Computed exactly once per investigation.
//
// A nil FinalScore means "insufficient evidence to publish" and is a normal,
// successful outcome; downstream consumers must not treat it as zero risk.
type RiskVerdict struct {
	InvestigationID    string    `json:"investigationId"`
	FinalScore         *float64  `json:"finalScore"`
	FraudFloorApplied  bool      `json:"fraudFloorApplied"`
	EvidenceGatePassed bool      `json:"evidenceGatePassed"`
	AppliedPatterns    []string  `json:"appliedPatterns,omitempty"`
	Narrative          string    `json:"narrative"`
	ComputedAt         time.Time `json:"computedAt"`
}

// Published reports whether the verdict carries a numeric score.
func (v *RiskVerdict) Published() bool {
	return v.FinalScore != nil
}
