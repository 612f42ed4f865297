package synthesis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/patterns"
)

// Synthesizer combines domain findings, pattern detections, the evidence
// gate, and the fraud floor into one final verdict.
type Synthesizer struct {
	thresholds domain.Thresholds
	patterns   *patterns.Engine
}

// NewSynthesizer creates a synthesizer with the given guardrail thresholds.
func NewSynthesizer(thresholds domain.Thresholds, engine *patterns.Engine) *Synthesizer {
	return &Synthesizer{
		thresholds: thresholds,
		patterns:   engine,
	}
}

// Synthesize computes the risk verdict for an investigation.
//
// The pipeline: confidence-weighted average over determinate findings, gated
// by the evidence gate; then the fraud floor; then pattern adjustments. It
// never errors: null domain scores, no detections, and no ground truth are
// all valid, common inputs producing a lower-confidence but well-defined
// verdict. The result is invariant to permutation of the findings slice.
func (s *Synthesizer) Synthesize(investigationID string, findings []domain.DomainFinding, detections []domain.PatternDetection, groundTruthConfirmed bool) *domain.RiskVerdict {
	gatePassed := PassesGate(findings)

	var base *float64
	if gatePassed {
		base = weightedAverage(findings)
	}

	floored, floorApplied := ApplyFloor(base, groundTruthConfirmed, s.thresholds.FraudFloor)

	var final *float64
	var applied []string
	if floored != nil {
		score, names := s.patterns.Apply(*floored, detections)
		final = domain.Float(score)
		applied = names
	}

	return &domain.RiskVerdict{
		InvestigationID:    investigationID,
		FinalScore:         final,
		FraudFloorApplied:  floorApplied,
		EvidenceGatePassed: gatePassed,
		AppliedPatterns:    applied,
		Narrative:          buildNarrative(findings, detections, applied, gatePassed, floorApplied, final),
		ComputedAt:         time.Now().UTC(),
	}
}

// weightedAverage blends determinate findings using each domain's confidence
// as its weight. Indeterminate domains are ignored. When every determinate
// finding carries zero confidence the plain mean is used, so a score is
// never silently dropped. Returns nil when no finding is determinate.
func weightedAverage(findings []domain.DomainFinding) *float64 {
	var weightedSum, weightTotal, plainSum float64
	determinate := 0

	for i := range findings {
		f := &findings[i]
		if !f.Determinate() {
			continue
		}
		determinate++
		plainSum += *f.RiskScore
		weightedSum += *f.RiskScore * f.Confidence
		weightTotal += f.Confidence
	}

	if determinate == 0 {
		return nil
	}
	if weightTotal == 0 {
		return domain.Float(plainSum / float64(determinate))
	}
	return domain.Float(weightedSum / weightTotal)
}

// buildNarrative produces the human-readable audit trail: which domains
// contributed, whether the gate passed, whether the floor applied, and which
// patterns fired. Domains are listed in a fixed order so the narrative is
// stable across finding permutations.
func buildNarrative(findings []domain.DomainFinding, detections []domain.PatternDetection, applied []string, gatePassed, floorApplied bool, final *float64) string {
	byDomain := make(map[domain.AnalysisDomain]*domain.DomainFinding, len(findings))
	for i := range findings {
		byDomain[findings[i].Domain] = &findings[i]
	}

	var b strings.Builder

	var contributed, indeterminate []string
	for _, d := range domain.AllDomains() {
		f, ok := byDomain[d]
		if !ok {
			continue
		}
		if f.Determinate() {
			contributed = append(contributed,
				fmt.Sprintf("%s=%.2f (confidence %.2f, %d signals)", strings.ToLower(string(d)), *f.RiskScore, f.Confidence, f.SignalsCount))
		} else {
			indeterminate = append(indeterminate, strings.ToLower(string(d)))
		}
	}

	if len(contributed) > 0 {
		b.WriteString("Domains contributing: ")
		b.WriteString(strings.Join(contributed, ", "))
		b.WriteString(". ")
	} else {
		b.WriteString("No domain produced a determinate score. ")
	}
	if len(indeterminate) > 0 {
		b.WriteString("Indeterminate: ")
		b.WriteString(strings.Join(indeterminate, ", "))
		b.WriteString(". ")
	}

	if gatePassed {
		b.WriteString("Evidence gate passed. ")
	} else {
		b.WriteString("Evidence gate failed: insufficient independent corroboration. ")
	}

	if floorApplied {
		b.WriteString("Fraud floor applied: prior confirmed-fraud ground truth forces the minimum score. ")
	}

	if len(applied) > 0 {
		names := append([]string(nil), applied...)
		sort.Strings(names)
		b.WriteString("Patterns applied: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(". ")
	} else if len(detections) > 0 && final != nil {
		b.WriteString(fmt.Sprintf("%d pattern(s) detected but not applied (baseline below pattern threshold). ", len(detections)))
	}

	if final != nil {
		b.WriteString(fmt.Sprintf("Final score: %.2f.", *final))
	} else {
		b.WriteString("No score published: insufficient evidence.")
	}

	return b.String()
}
