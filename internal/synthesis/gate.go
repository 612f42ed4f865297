// Package synthesis combines domain findings into one calibrated risk verdict.
package synthesis

import "github.com/opensource-finance/kestrel/internal/domain"

// PassesGate decides whether there is enough independent corroboration to
// publish a numeric verdict at all.
//
// The gate passes when at least 2 domains produced a numeric score, or when
// exactly 1 domain produced a score and the total signal count across all
// domains is at least 2. Single-signal verdicts historically caused
// unacceptable false-positive rates, so a lone noisy domain cannot publish
// on its own.
func PassesGate(findings []domain.DomainFinding) bool {
	determinate := 0
	signals := 0

	for i := range findings {
		if findings[i].Determinate() {
			determinate++
		}
		signals += findings[i].SignalsCount
	}

	if determinate >= 2 {
		return true
	}
	return determinate == 1 && signals >= 2
}
