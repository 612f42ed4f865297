// Package patterns detects named behavioral signatures in a subject's
// activity history and applies their bounded risk adjustments.
package patterns

import (
	"context"
	"log/slog"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector is one independent pure pattern check. It returns at most one
// detection for the given history, or nil when the pattern is absent.
type Detector func(history []*domain.ActivityEvent) *domain.PatternDetection

// Engine runs the built-in detectors plus any loaded operator-defined CEL
// patterns and applies the two-level adjustment guardrail.
type Engine struct {
	thresholds domain.Thresholds
	builtins   []Detector
	custom     *CELDetectors
}

// NewEngine creates a pattern engine with the built-in detector set.
func NewEngine(thresholds domain.Thresholds) (*Engine, error) {
	custom, err := NewCELDetectors()
	if err != nil {
		return nil, err
	}
	return &Engine{
		thresholds: thresholds,
		builtins:   BuiltinDetectors(),
		custom:     custom,
	}, nil
}

// Custom returns the operator-defined detector set for load/reload.
func (e *Engine) Custom() *CELDetectors {
	return e.custom
}

// Detect evaluates every detector against the subject's history and returns
// the detections that fired. Each detection's adjustment is clamped to the
// per-pattern cap; the aggregate cap is enforced later by Apply.
func (e *Engine) Detect(ctx context.Context, subject domain.Subject, history []*domain.ActivityEvent) []domain.PatternDetection {
	var detections []domain.PatternDetection

	for _, detect := range e.builtins {
		if d := detect(history); d != nil {
			detections = append(detections, clampDetection(*d))
		}
	}

	custom, err := e.custom.Evaluate(ctx, history)
	if err != nil {
		// Custom pattern failures never block the built-ins.
		slog.Warn("custom pattern evaluation failed",
			"subject", subject.Key(),
			"error", err,
		)
	}
	for _, d := range custom {
		detections = append(detections, clampDetection(d))
	}

	sort.Slice(detections, func(i, j int) bool {
		return detections[i].PatternName < detections[j].PatternName
	})

	return detections
}

// Apply adjusts a base score by the detections under the two-level cap:
// each pattern is individually bounded, and the sum of all applied
// adjustments is clamped to MaxPatternAdjustment. Patterns only amplify
// existing suspicion; a base below MinBaseScoreForPatterns is returned
// unchanged with no patterns applied.
func (e *Engine) Apply(base float64, detections []domain.PatternDetection) (float64, []string) {
	if len(detections) == 0 || base < e.thresholds.MinBaseScoreForPatterns {
		return base, nil
	}

	sum := 0.0
	names := make([]string, 0, len(detections))
	for _, d := range detections {
		sum += d.RiskAdjustment
		names = append(names, d.PatternName)
	}

	if sum > e.thresholds.MaxPatternAdjustment {
		sum = e.thresholds.MaxPatternAdjustment
	}

	adjusted := base + sum
	if adjusted > 1.0 {
		adjusted = 1.0
	}

	return adjusted, names
}

func clampDetection(d domain.PatternDetection) domain.PatternDetection {
	if d.RiskAdjustment < 0 {
		d.RiskAdjustment = 0
	}
	if d.RiskAdjustment > domain.MaxPerPatternAdjustment {
		d.RiskAdjustment = domain.MaxPerPatternAdjustment
	}
	return d
}
