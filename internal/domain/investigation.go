package domain

import (
	"time"
)

// Phase is the lifecycle stage of an investigation. Transitions are forward
// only; no phase is ever re-entered.
type Phase string

const (
	PhaseInitialized    Phase = "INITIALIZED"
	PhaseDataCollection Phase = "DATA_COLLECTION"
	PhaseDomainAnalysis Phase = "DOMAIN_ANALYSIS"
	PhaseRiskSynthesis  Phase = "RISK_SYNTHESIS"
	PhaseRemediation    Phase = "REMEDIATION"
	PhaseCompleted      Phase = "COMPLETED"
	PhaseFailed         Phase = "FAILED"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Next returns the phase that follows p in the normal lifecycle.
// Terminal phases return themselves.
func (p Phase) Next() Phase {
	switch p {
	case PhaseInitialized:
		return PhaseDataCollection
	case PhaseDataCollection:
		return PhaseDomainAnalysis
	case PhaseDomainAnalysis:
		return PhaseRiskSynthesis
	case PhaseRiskSynthesis:
		return PhaseRemediation
	case PhaseRemediation:
		return PhaseCompleted
	default:
		return p
	}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseInitialized, PhaseDataCollection, PhaseDomainAnalysis,
		PhaseRiskSynthesis, PhaseRemediation, PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}

// Investigation is the single shared mutable record of the pipeline. It is
// owned exclusively by the orchestrator and updated under optimistic
// concurrency: Version increments on every state mutation.
type Investigation struct {
	ID        string    `json:"id"`
	Subject   Subject   `json:"subject"`
	Window    TimeRange `json:"window"`
	Phase     Phase     `json:"phase"`
	FailCause string    `json:"failCause,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int       `json:"version"`
}

// InvestigationStatus is the caller-facing view of an investigation.
// A nil Verdict means "no verdict yet"; a Verdict with a nil FinalScore means
// the investigation completed with insufficient evidence.
type InvestigationStatus struct {
	Investigation *Investigation     `json:"investigation"`
	Verdict       *RiskVerdict       `json:"verdict,omitempty"`
	Remediation   *RemediationAction `json:"remediation,omitempty"`
}
