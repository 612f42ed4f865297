package domain

import "time"

// EntityLabel is the automated label assigned to an entity as a consequence
// of a published risk verdict.
type EntityLabel string

const (
	LabelSuspectedFraud EntityLabel = "SUSPECTED_FRAUD"
	LabelNotFraud       EntityLabel = "NOT_FRAUD"
)

// RemediationAction is an append-only audit record of an entity labeling.
// The entity's current label is the most recent action for its
// (entityType, entityValue) pair. Written exactly once per completed
// investigation: the table carries a uniqueness constraint on
// investigation_id, so concurrent remediation attempts deduplicate naturally.
type RemediationAction struct {
	ID                  string      `json:"id"`
	EntityType          EntityType  `json:"entityType"`
	EntityValue         string      `json:"entityValue"`
	Label               EntityLabel `json:"label"`
	RiskScoreAtLabeling float64     `json:"riskScoreAtLabeling"`
	ThresholdUsed       float64     `json:"thresholdUsed"`
	InvestigationID     string      `json:"investigationId"`
	AssignedAt          time.Time   `json:"assignedAt"`
}
