package synthesis

import "github.com/opensource-finance/kestrel/internal/domain"

// ApplyFloor enforces the minimum score when authoritative ground truth
// confirms fraud. Ground truth always wins over model uncertainty: a
// confirmed-fraud subject gets a published score of at least floor even when
// the evidence gate failed and base is nil. Confirmed fraud is never
// suppressed for insufficient evidence.
//
// Returns the (possibly floored) score and whether the floor was applied.
func ApplyFloor(base *float64, groundTruthConfirmed bool, floor float64) (*float64, bool) {
	if !groundTruthConfirmed {
		return base, false
	}

	score := 0.0
	if base != nil {
		score = *base
	}
	if score < floor {
		score = floor
	}
	return domain.Float(score), true
}
