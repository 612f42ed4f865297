package domain

import "context"

// DomainAnalyzer produces a finding for one analytical domain. Implementations
// may call external model services and data queries; the orchestrator only
// requires that Analyze honors ctx cancellation and returns within the phase
// deadline. Any error is treated identically to a timeout: the orchestrator
// degrades the domain to an indeterminate finding and proceeds.
type DomainAnalyzer interface {
	// Domain identifies which perspective this analyzer covers.
	Domain() AnalysisDomain

	// Analyze inspects the subject over the window and returns a finding.
	Analyze(ctx context.Context, subject Subject, window TimeRange) (*DomainFinding, error)
}

// GroundTruthLookup answers whether authoritative historical ground truth
// confirms fraud for a subject. Read-only and side-effect-free.
type GroundTruthLookup interface {
	HasConfirmedFraud(ctx context.Context, subject Subject) (bool, error)
}
