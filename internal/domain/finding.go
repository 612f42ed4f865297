package domain

// AnalysisDomain is one independent analytical perspective on a subject.
type AnalysisDomain string

const (
	DomainNetwork  AnalysisDomain = "NETWORK"
	DomainDevice   AnalysisDomain = "DEVICE"
	DomainLocation AnalysisDomain = "LOCATION"
	DomainLogs     AnalysisDomain = "LOGS"
)

// AllDomains lists the domains expected per investigation.
func AllDomains() []AnalysisDomain {
	return []AnalysisDomain{DomainNetwork, DomainDevice, DomainLocation, DomainLogs}
}

// DomainFinding is the immutable outcome of one domain analysis.
//
// A nil RiskScore means "indeterminate": the analyzer could not reach a
// supportable conclusion. That is a valid first-class outcome, distinct from
// a zero score, and must never be folded into 0.
type DomainFinding struct {
	Domain         AnalysisDomain `json:"domain"`
	RiskScore      *float64       `json:"riskScore"`
	Confidence     float64        `json:"confidence"`
	Evidence       []string       `json:"evidence,omitempty"`
	RiskIndicators []string       `json:"riskIndicators,omitempty"`
	SignalsCount   int            `json:"signalsCount"`
}

// Determinate reports whether the finding carries a numeric score.
func (f *DomainFinding) Determinate() bool {
	return f.RiskScore != nil
}

// FailedFinding builds the degraded finding recorded when a domain analyzer
// errors or times out. The investigation proceeds with it; the failure is
// part of the aggregator's tested contract, not a crash.
func FailedFinding(d AnalysisDomain, reason string) DomainFinding {
	return DomainFinding{
		Domain:     d,
		RiskScore:  nil,
		Confidence: 0,
		Evidence:   []string{"analyzer_failed: " + reason},
	}
}

// Float returns a pointer to v. Convenience for nullable scores.
func Float(v float64) *float64 {
	return &v
}
