// Package orchestrator drives the investigation lifecycle: a forward-only
// phase machine with per-phase timeouts, parallel domain analysis, and
// optimistic-concurrency commits on the investigation record.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/patterns"
	"github.com/opensource-finance/kestrel/internal/remediation"
	"github.com/opensource-finance/kestrel/internal/synthesis"
)

var tracer = otel.Tracer("kestrel-orchestrator")

// Orchestrator owns the Investigation record. All phase transitions go
// through it; domain analyzers and the synthesis stages only communicate
// through their return values.
type Orchestrator struct {
	repo        domain.Repository
	bus         domain.EventBus
	analyzers   []domain.DomainAnalyzer
	patterns    *patterns.Engine
	synthesizer *synthesis.Synthesizer
	remediation *remediation.Engine
	groundTruth domain.GroundTruthLookup
	thresholds  domain.Thresholds
}

// New wires an orchestrator. The analyzer set is fixed for the process
// lifetime; pattern configs may be reloaded through the patterns engine.
func New(
	repo domain.Repository,
	bus domain.EventBus,
	analyzers []domain.DomainAnalyzer,
	patternEngine *patterns.Engine,
	synthesizer *synthesis.Synthesizer,
	remediationEngine *remediation.Engine,
	groundTruth domain.GroundTruthLookup,
	thresholds domain.Thresholds,
) *Orchestrator {
	return &Orchestrator{
		repo:        repo,
		bus:         bus,
		analyzers:   analyzers,
		patterns:    patternEngine,
		synthesizer: synthesizer,
		remediation: remediationEngine,
		groundTruth: groundTruth,
		thresholds:  thresholds,
	}
}

// Start opens a new investigation for the subject over the window.
// The investigation is created in INITIALIZED; callers drive it forward
// with Advance (or let the async worker do so).
func (o *Orchestrator) Start(ctx context.Context, subject domain.Subject, window domain.TimeRange) (*domain.Investigation, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Start")
	defer span.End()

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	window = normalizeWindow(window)
	if !window.End.After(window.Start) {
		return nil, fmt.Errorf("%w: window end must be after start", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	inv := &domain.Investigation{
		ID:        uuid.New().String(),
		Subject:   subject,
		Window:    window,
		Phase:     domain.PhaseInitialized,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	if err := o.repo.SaveInvestigation(ctx, inv); err != nil {
		return nil, fmt.Errorf("save investigation: %w", err)
	}

	span.SetAttributes(
		attribute.String("investigation.id", inv.ID),
		attribute.String("subject.type", string(subject.EntityType)),
	)

	o.publish(ctx, domain.TopicInvestigationOpened, &domain.InvestigationEvent{
		InvestigationID: inv.ID,
		Subject:         inv.Subject,
		Phase:           inv.Phase,
	})

	slog.Info("investigation opened",
		"investigation_id", inv.ID,
		"subject", subject.Key(),
	)

	return inv, nil
}

// Advance executes the next phase of the investigation and commits the
// transition. It is idempotent: calling it on a terminal investigation
// returns the current phase with ErrPhaseTerminal, and a concurrent caller
// that already advanced the same phase wins the version race cleanly.
//
// The per-phase timeout bounds collaborator work only. Analyzers that
// exhaust it degrade to indeterminate findings and the phase still commits
// with whatever results exist. Caller cancellation leaves the investigation
// at its last committed phase, resumable by a later Advance; only a caller
// deadline marks it FAILED.
func (o *Orchestrator) Advance(ctx context.Context, id string) (domain.Phase, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Advance",
		trace.WithAttributes(attribute.String("investigation.id", id)))
	defer span.End()

	inv, err := o.repo.GetInvestigation(ctx, id)
	if err != nil {
		return "", err
	}
	if inv.Phase.Terminal() {
		return inv.Phase, domain.ErrPhaseTerminal
	}

	next := inv.Phase.Next()
	span.SetAttributes(attribute.String("phase.target", string(next)))

	phaseCtx, cancel := context.WithTimeout(ctx, o.thresholds.PhaseTimeout)
	defer cancel()

	if err := o.runPhase(phaseCtx, inv, next); err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				// Shutdown cancellation: leave the investigation at its
				// last committed phase so a later Advance resumes it.
				return inv.Phase, ctx.Err()
			}
			// Caller deadline expired mid-phase. Completed phases stay
			// committed; the investigation itself is marked failed.
			return o.fail(context.WithoutCancel(ctx), inv, "deadline exceeded")
		}
		return o.fail(ctx, inv, err.Error())
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return inv.Phase, ctx.Err()
	}

	// The phase work is done; the transition must land even if the phase
	// consumed the caller's remaining budget.
	phase, err := o.commit(context.WithoutCancel(ctx), inv, next)
	if err != nil {
		return "", err
	}

	o.publish(ctx, domain.TopicInvestigationPhase, &domain.InvestigationEvent{
		InvestigationID: inv.ID,
		Subject:         inv.Subject,
		Phase:           phase,
	})

	slog.Info("investigation advanced",
		"investigation_id", inv.ID,
		"phase", phase,
	)

	return phase, nil
}

// Run drives the investigation to a terminal phase. Used by the async
// worker; synchronous callers usually poll Advance instead.
func (o *Orchestrator) Run(ctx context.Context, id string) (domain.Phase, error) {
	for {
		phase, err := o.Advance(ctx, id)
		if errors.Is(err, domain.ErrPhaseTerminal) {
			return phase, nil
		}
		if err != nil {
			return phase, err
		}
		if phase.Terminal() {
			return phase, nil
		}
	}
}

// Status returns the caller-facing view: the investigation plus whatever
// verdict and remediation record exist so far.
func (o *Orchestrator) Status(ctx context.Context, id string) (*domain.InvestigationStatus, error) {
	inv, err := o.repo.GetInvestigation(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &domain.InvestigationStatus{Investigation: inv}

	verdict, err := o.repo.GetVerdict(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	status.Verdict = verdict

	action, err := o.repo.GetRemediationAction(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	status.Remediation = action

	return status, nil
}

// runPhase performs the work that the target phase represents. The commit
// of the transition happens afterwards, in a single write.
func (o *Orchestrator) runPhase(ctx context.Context, inv *domain.Investigation, next domain.Phase) error {
	ctx, span := tracer.Start(ctx, "orchestrator.phase."+string(next))
	defer span.End()

	switch next {
	case domain.PhaseDataCollection:
		return o.collectData(ctx, inv)
	case domain.PhaseDomainAnalysis:
		return o.analyzeDomains(ctx, inv)
	case domain.PhaseRiskSynthesis:
		return o.synthesize(ctx, inv)
	case domain.PhaseRemediation:
		return o.remediate(ctx, inv)
	case domain.PhaseCompleted:
		return nil
	default:
		return fmt.Errorf("%w: no work defined for phase %s", domain.ErrInvalidInput, next)
	}
}

// collectData stages the subject's activity history. The read also warms
// the history cache the analyzers share.
func (o *Orchestrator) collectData(ctx context.Context, inv *domain.Investigation) error {
	history, err := o.repo.GetActivityBySubject(ctx, inv.Subject, inv.Window)
	if err != nil {
		return fmt.Errorf("collect activity: %w", err)
	}
	slog.Debug("data collection complete",
		"investigation_id", inv.ID,
		"event_count", len(history),
	)
	return nil
}

// analyzeDomains dispatches every configured analyzer concurrently and
// waits for all of them. A failing or timed-out analyzer degrades to an
// indeterminate finding; it never aborts the investigation.
func (o *Orchestrator) analyzeDomains(ctx context.Context, inv *domain.Investigation) error {
	findings := make([]domain.DomainFinding, len(o.analyzers))

	var wg sync.WaitGroup
	for i, analyzer := range o.analyzers {
		wg.Add(1)
		go func(i int, analyzer domain.DomainAnalyzer) {
			defer wg.Done()

			d := analyzer.Domain()
			finding, err := analyzer.Analyze(ctx, inv.Subject, inv.Window)
			if err != nil {
				slog.Warn("domain analyzer failed",
					"investigation_id", inv.ID,
					"domain", d,
					"error", err,
				)
				findings[i] = domain.FailedFinding(d, err.Error())
				return
			}
			if finding == nil {
				findings[i] = domain.FailedFinding(d, "analyzer returned no finding")
				return
			}
			finding.Domain = d
			findings[i] = *finding
		}(i, analyzer)
	}
	wg.Wait()

	// Persist even all-failed analysis rounds so the synthesis phase and
	// auditors see what was attempted. The write runs outside the phase
	// deadline the analyzers may have just exhausted.
	if err := o.repo.SaveFindings(context.WithoutCancel(ctx), inv.ID, findings); err != nil {
		return fmt.Errorf("save findings: %w", err)
	}
	return nil
}

// synthesize combines the findings into a verdict: evidence gate, weighted
// base score, fraud floor, then pattern adjustments.
func (o *Orchestrator) synthesize(ctx context.Context, inv *domain.Investigation) error {
	findings, err := o.repo.GetFindings(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("load findings: %w", err)
	}

	history, err := o.repo.GetActivityBySubject(ctx, inv.Subject, inv.Window)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}
	detections := o.patterns.Detect(ctx, inv.Subject, history)

	confirmed, err := o.groundTruth.HasConfirmedFraud(ctx, inv.Subject)
	if err != nil {
		return fmt.Errorf("ground truth lookup: %w", err)
	}

	verdict := o.synthesizer.Synthesize(inv.ID, findings, detections, confirmed)
	if err := o.repo.SaveVerdict(context.WithoutCancel(ctx), verdict); err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}

	payload, _ := json.Marshal(verdict)
	if err := o.bus.Publish(ctx, domain.TopicVerdict, payload); err != nil {
		slog.Warn("failed to publish verdict",
			"investigation_id", inv.ID,
			"error", err,
		)
	}
	return nil
}

// remediate maps the verdict to an entity label. The remediation engine is
// idempotent per investigation id, so re-running this phase is safe.
func (o *Orchestrator) remediate(ctx context.Context, inv *domain.Investigation) error {
	verdict, err := o.repo.GetVerdict(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("load verdict: %w", err)
	}

	action, err := o.remediation.Remediate(ctx, inv, verdict)
	if err != nil {
		return fmt.Errorf("remediate: %w", err)
	}
	if action == nil {
		// Unpublished verdict: insufficient evidence, nothing to label.
		return nil
	}

	payload, _ := json.Marshal(action)
	if err := o.bus.Publish(ctx, domain.TopicRemediation, payload); err != nil {
		slog.Warn("failed to publish remediation",
			"investigation_id", inv.ID,
			"error", err,
		)
	}
	return nil
}

// commit writes the phase transition under optimistic concurrency. A
// version conflict is retried once against fresh state; if the conflicting
// writer already moved the phase, their result stands.
func (o *Orchestrator) commit(ctx context.Context, inv *domain.Investigation, next domain.Phase) (domain.Phase, error) {
	from := inv.Phase
	inv.Phase = next
	inv.UpdatedAt = time.Now().UTC()

	err := o.repo.UpdateInvestigation(ctx, inv)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, domain.ErrVersionConflict) {
		return "", fmt.Errorf("commit phase %s: %w", next, err)
	}

	current, rerr := o.repo.GetInvestigation(ctx, inv.ID)
	if rerr != nil {
		return "", rerr
	}
	if current.Phase != from {
		// A concurrent Advance won the race; adopt its result.
		*inv = *current
		return current.Phase, nil
	}

	current.Phase = next
	current.UpdatedAt = time.Now().UTC()
	if err := o.repo.UpdateInvestigation(ctx, current); err != nil {
		return "", fmt.Errorf("commit phase %s: %w", next, err)
	}
	*inv = *current
	return next, nil
}

// fail transitions the investigation to FAILED, retaining all phase output
// committed so far.
func (o *Orchestrator) fail(ctx context.Context, inv *domain.Investigation, cause string) (domain.Phase, error) {
	inv.FailCause = cause
	phase, err := o.commit(ctx, inv, domain.PhaseFailed)
	if err != nil {
		return "", err
	}
	if phase != domain.PhaseFailed {
		// Lost the race to a successful concurrent Advance.
		return phase, nil
	}

	o.publish(ctx, domain.TopicInvestigationFailed, &domain.InvestigationEvent{
		InvestigationID: inv.ID,
		Subject:         inv.Subject,
		Phase:           domain.PhaseFailed,
		Detail:          cause,
	})

	slog.Error("investigation failed",
		"investigation_id", inv.ID,
		"cause", cause,
	)
	return domain.PhaseFailed, nil
}

// publish sends a lifecycle event; delivery is best effort.
func (o *Orchestrator) publish(ctx context.Context, topic string, event *domain.InvestigationEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event",
			"topic", topic,
			"investigation_id", event.InvestigationID,
			"error", err,
		)
	}
}

// normalizeWindow fills in an unset window with the default 30-day
// lookback ending now.
func normalizeWindow(w domain.TimeRange) domain.TimeRange {
	if w.End.IsZero() {
		w.End = time.Now().UTC()
	}
	if w.Start.IsZero() {
		w.Start = w.End.Add(-30 * 24 * time.Hour)
	}
	return w
}
