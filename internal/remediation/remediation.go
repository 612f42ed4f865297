// Package remediation maps published risk verdicts to entity labels and
// persists them with a full audit trail.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine applies the remediation decision for a completed investigation.
type Engine struct {
	repo      domain.Repository
	threshold float64
}

// NewEngine creates a remediation engine with the given label threshold.
func NewEngine(repo domain.Repository, threshold float64) *Engine {
	return &Engine{
		repo:      repo,
		threshold: threshold,
	}
}

// Remediate labels the investigated entity from its verdict.
//
// A verdict with no published score takes no action and returns (nil, nil):
// the entity stays "insufficient evidence", which is not "not fraud".
// Otherwise the entity is labeled SUSPECTED_FRAUD when the score exceeds the
// threshold and NOT_FRAUD when it does not.
//
// Idempotent per investigation: re-invoking returns the already-persisted
// action unchanged rather than writing a duplicate. The orchestrator's
// Advance may legitimately run this phase more than once.
func (e *Engine) Remediate(ctx context.Context, inv *domain.Investigation, verdict *domain.RiskVerdict) (*domain.RemediationAction, error) {
	// An earlier attempt may have already committed the action.
	existing, err := e.repo.GetRemediationAction(ctx, inv.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing remediation: %w", err)
	}

	if verdict == nil || !verdict.Published() {
		slog.Info("remediation skipped: no published score",
			"investigation_id", inv.ID,
			"subject", inv.Subject.Key(),
		)
		return nil, nil
	}

	label := domain.LabelNotFraud
	if *verdict.FinalScore > e.threshold {
		label = domain.LabelSuspectedFraud
	}

	action := &domain.RemediationAction{
		ID:                  uuid.New().String(),
		EntityType:          inv.Subject.EntityType,
		EntityValue:         inv.Subject.EntityValue,
		Label:               label,
		RiskScoreAtLabeling: *verdict.FinalScore,
		ThresholdUsed:       e.threshold,
		InvestigationID:     inv.ID,
		AssignedAt:          time.Now().UTC(),
	}

	if err := e.repo.SaveRemediationAction(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to persist remediation action: %w", err)
	}

	// The insert deduplicates on investigation_id, so read back the
	// authoritative record in case a concurrent attempt won the race.
	persisted, err := e.repo.GetRemediationAction(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read back remediation action: %w", err)
	}

	slog.Info("entity labeled",
		"investigation_id", inv.ID,
		"subject", inv.Subject.Key(),
		"label", persisted.Label,
		"score", persisted.RiskScoreAtLabeling,
		"threshold", persisted.ThresholdUsed,
	)

	return persisted, nil
}
