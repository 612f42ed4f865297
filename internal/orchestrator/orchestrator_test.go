package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/groundtruth"
	"github.com/opensource-finance/kestrel/internal/patterns"
	"github.com/opensource-finance/kestrel/internal/remediation"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/synthesis"
)

// stubAnalyzer returns a fixed finding or error for its domain.
type stubAnalyzer struct {
	domain  domain.AnalysisDomain
	finding *domain.DomainFinding
	err     error
}

func (s *stubAnalyzer) Domain() domain.AnalysisDomain { return s.domain }

func (s *stubAnalyzer) Analyze(ctx context.Context, subject domain.Subject, window domain.TimeRange) (*domain.DomainFinding, error) {
	if s.err != nil {
		return nil, s.err
	}
	f := *s.finding
	return &f, nil
}

func scoring(d domain.AnalysisDomain, score, conf float64) domain.DomainAnalyzer {
	return &stubAnalyzer{
		domain: d,
		finding: &domain.DomainFinding{
			Domain:       d,
			RiskScore:    domain.Float(score),
			Confidence:   conf,
			Evidence:     []string{fmt.Sprintf("%s signal", d)},
			SignalsCount: 1,
		},
	}
}

func failing(d domain.AnalysisDomain) domain.DomainAnalyzer {
	return &stubAnalyzer{domain: d, err: errors.New("upstream unavailable")}
}

// blockingAnalyzer never returns until its context does.
type blockingAnalyzer struct {
	d domain.AnalysisDomain
}

func (b *blockingAnalyzer) Domain() domain.AnalysisDomain { return b.d }

func (b *blockingAnalyzer) Analyze(ctx context.Context, subject domain.Subject, window domain.TimeRange) (*domain.DomainFinding, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestOrchestrator(t *testing.T, analyzers []domain.DomainAnalyzer) (*Orchestrator, domain.Repository) {
	t.Helper()
	return newTestOrchestratorWithThresholds(t, analyzers, domain.DefaultThresholds())
}

func newTestOrchestratorWithThresholds(t *testing.T, analyzers []domain.DomainAnalyzer, thresholds domain.Thresholds) (*Orchestrator, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-orchestrator-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := patterns.NewEngine(thresholds)
	if err != nil {
		t.Fatalf("failed to create pattern engine: %v", err)
	}

	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	orch := New(
		repo,
		eventBus,
		analyzers,
		engine,
		synthesis.NewSynthesizer(thresholds, engine),
		remediation.NewEngine(repo, thresholds.RemediationThreshold),
		groundtruth.NewService(repo, cache.NewLRUCache(128)),
		thresholds,
	)
	return orch, repo
}

func testSubject() domain.Subject {
	return domain.Subject{EntityType: domain.EntityUserID, EntityValue: "user-001"}
}

func testWindow() domain.TimeRange {
	end := time.Now().UTC()
	return domain.TimeRange{Start: end.Add(-24 * time.Hour), End: end}
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("OpensInitialized", func(t *testing.T) {
		orch, repo := newTestOrchestrator(t, nil)

		inv, err := orch.Start(ctx, testSubject(), testWindow())
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if inv.Phase != domain.PhaseInitialized {
			t.Errorf("expected INITIALIZED, got %s", inv.Phase)
		}
		if inv.Version != 1 {
			t.Errorf("expected version 1, got %d", inv.Version)
		}

		stored, err := repo.GetInvestigation(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if stored.Subject != inv.Subject {
			t.Errorf("subject not persisted: %+v", stored.Subject)
		}
	})

	t.Run("RejectsInvalidSubject", func(t *testing.T) {
		orch, _ := newTestOrchestrator(t, nil)

		_, err := orch.Start(ctx, domain.Subject{EntityType: "BOGUS", EntityValue: "x"}, testWindow())
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("RejectsInvertedWindow", func(t *testing.T) {
		orch, _ := newTestOrchestrator(t, nil)

		now := time.Now().UTC()
		_, err := orch.Start(ctx, testSubject(), domain.TimeRange{Start: now, End: now.Add(-time.Hour)})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("DefaultsEmptyWindow", func(t *testing.T) {
		orch, _ := newTestOrchestrator(t, nil)

		inv, err := orch.Start(ctx, testSubject(), domain.TimeRange{})
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if inv.Window.Duration() != 30*24*time.Hour {
			t.Errorf("expected 30-day default lookback, got %v", inv.Window.Duration())
		}
	})
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()

	t.Run("FullWalkToCompleted", func(t *testing.T) {
		analyzers := []domain.DomainAnalyzer{
			scoring(domain.DomainNetwork, 0.8, 0.9),
			scoring(domain.DomainDevice, 0.6, 0.7),
			scoring(domain.DomainLocation, 0.7, 0.8),
			scoring(domain.DomainLogs, 0.5, 0.6),
		}
		orch, repo := newTestOrchestrator(t, analyzers)

		inv, err := orch.Start(ctx, testSubject(), testWindow())
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}

		want := []domain.Phase{
			domain.PhaseDataCollection,
			domain.PhaseDomainAnalysis,
			domain.PhaseRiskSynthesis,
			domain.PhaseRemediation,
			domain.PhaseCompleted,
		}
		for _, expected := range want {
			phase, err := orch.Advance(ctx, inv.ID)
			if err != nil {
				t.Fatalf("advance to %s failed: %v", expected, err)
			}
			if phase != expected {
				t.Fatalf("expected phase %s, got %s", expected, phase)
			}
		}

		findings, err := repo.GetFindings(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get findings failed: %v", err)
		}
		if len(findings) != 4 {
			t.Errorf("expected 4 findings, got %d", len(findings))
		}

		verdict, err := repo.GetVerdict(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get verdict failed: %v", err)
		}
		if !verdict.Published() {
			t.Fatal("expected a published verdict")
		}
		if !verdict.EvidenceGatePassed {
			t.Error("expected evidence gate to pass with 4 determinate domains")
		}

		action, err := repo.GetRemediationAction(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get remediation failed: %v", err)
		}
		if action.Label != domain.LabelSuspectedFraud {
			t.Errorf("expected SUSPECTED_FRAUD with high scores, got %s", action.Label)
		}
	})

	t.Run("TerminalReturnsSentinel", func(t *testing.T) {
		analyzers := []domain.DomainAnalyzer{
			scoring(domain.DomainNetwork, 0.5, 0.9),
			scoring(domain.DomainDevice, 0.5, 0.9),
		}
		orch, _ := newTestOrchestrator(t, analyzers)

		inv, err := orch.Start(ctx, testSubject(), testWindow())
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if _, err := orch.Run(ctx, inv.ID); err != nil {
			t.Fatalf("run failed: %v", err)
		}

		phase, err := orch.Advance(ctx, inv.ID)
		if !errors.Is(err, domain.ErrPhaseTerminal) {
			t.Errorf("expected ErrPhaseTerminal, got %v", err)
		}
		if phase != domain.PhaseCompleted {
			t.Errorf("expected COMPLETED, got %s", phase)
		}
	})

	t.Run("UnknownInvestigation", func(t *testing.T) {
		orch, _ := newTestOrchestrator(t, nil)

		_, err := orch.Advance(ctx, "no-such-id")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAnalyzerDegradation(t *testing.T) {
	ctx := context.Background()

	t.Run("FailedAnalyzerBecomesIndeterminate", func(t *testing.T) {
		analyzers := []domain.DomainAnalyzer{
			scoring(domain.DomainNetwork, 0.7, 0.9),
			scoring(domain.DomainDevice, 0.6, 0.8),
			failing(domain.DomainLogs),
		}
		orch, repo := newTestOrchestrator(t, analyzers)

		inv, err := orch.Start(ctx, testSubject(), testWindow())
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		phase, err := orch.Run(ctx, inv.ID)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if phase != domain.PhaseCompleted {
			t.Fatalf("expected COMPLETED despite analyzer failure, got %s", phase)
		}

		findings, err := repo.GetFindings(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get findings failed: %v", err)
		}
		var logs *domain.DomainFinding
		for i := range findings {
			if findings[i].Domain == domain.DomainLogs {
				logs = &findings[i]
			}
		}
		if logs == nil {
			t.Fatal("expected a persisted finding for the failed domain")
		}
		if logs.Determinate() {
			t.Error("expected the failed finding to be indeterminate")
		}
		if len(logs.Evidence) == 0 {
			t.Error("expected the failure reason recorded as evidence")
		}
	})

	t.Run("AllFailedYieldsUnpublishedVerdict", func(t *testing.T) {
		analyzers := []domain.DomainAnalyzer{
			failing(domain.DomainNetwork),
			failing(domain.DomainDevice),
		}
		orch, repo := newTestOrchestrator(t, analyzers)

		inv, err := orch.Start(ctx, testSubject(), testWindow())
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		phase, err := orch.Run(ctx, inv.ID)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if phase != domain.PhaseCompleted {
			t.Fatalf("expected COMPLETED, got %s", phase)
		}

		verdict, err := repo.GetVerdict(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get verdict failed: %v", err)
		}
		if verdict.Published() {
			t.Errorf("expected unpublished verdict, got score %v", *verdict.FinalScore)
		}

		// No label without a published score.
		if _, err := repo.GetRemediationAction(ctx, inv.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected no remediation action, got %v", err)
		}
	})
}

func TestFraudFloorEndToEnd(t *testing.T) {
	ctx := context.Background()

	analyzers := []domain.DomainAnalyzer{
		failing(domain.DomainNetwork),
		failing(domain.DomainDevice),
	}
	orch, repo := newTestOrchestrator(t, analyzers)

	subject := testSubject()
	if err := repo.MarkConfirmedFraud(ctx, subject, "chargeback"); err != nil {
		t.Fatalf("mark confirmed fraud failed: %v", err)
	}

	inv, err := orch.Start(ctx, subject, testWindow())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := orch.Run(ctx, inv.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	verdict, err := repo.GetVerdict(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get verdict failed: %v", err)
	}
	// Confirmed ground truth publishes the floor even when the evidence
	// gate fails.
	if !verdict.Published() {
		t.Fatal("expected published verdict under confirmed ground truth")
	}
	if *verdict.FinalScore != 0.60 {
		t.Errorf("expected floor score 0.60, got %v", *verdict.FinalScore)
	}
	if !verdict.FraudFloorApplied {
		t.Error("expected FraudFloorApplied")
	}

	action, err := repo.GetRemediationAction(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get remediation failed: %v", err)
	}
	if action.Label != domain.LabelSuspectedFraud {
		t.Errorf("expected SUSPECTED_FRAUD from floored score, got %s", action.Label)
	}
}

func TestPhaseTimeout(t *testing.T) {
	ctx := context.Background()

	thresholds := domain.DefaultThresholds()
	thresholds.PhaseTimeout = 150 * time.Millisecond

	analyzers := []domain.DomainAnalyzer{
		scoring(domain.DomainNetwork, 0.7, 0.9),
		&blockingAnalyzer{d: domain.DomainLogs},
	}
	orch, repo := newTestOrchestratorWithThresholds(t, analyzers, thresholds)

	inv, err := orch.Start(ctx, testSubject(), testWindow())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := orch.Advance(ctx, inv.ID); err != nil {
		t.Fatalf("advance to DATA_COLLECTION failed: %v", err)
	}

	// The stalled analyzer exhausts the phase budget; the phase must still
	// commit with the fast analyzer's finding plus a degraded one.
	phase, err := orch.Advance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("advance to DOMAIN_ANALYSIS failed: %v", err)
	}
	if phase != domain.PhaseDomainAnalysis {
		t.Fatalf("expected DOMAIN_ANALYSIS after timeout, got %s", phase)
	}

	findings, err := repo.GetFindings(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get findings failed: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 persisted findings, got %d", len(findings))
	}
	for _, f := range findings {
		switch f.Domain {
		case domain.DomainNetwork:
			if !f.Determinate() || *f.RiskScore != 0.7 {
				t.Errorf("fast finding not preserved: %+v", f)
			}
		case domain.DomainLogs:
			if f.Determinate() {
				t.Error("expected timed-out analyzer to degrade to indeterminate")
			}
			if len(f.Evidence) == 0 {
				t.Error("expected the timeout reason recorded as evidence")
			}
		}
	}

	// The investigation is still live and runs to completion.
	final, err := orch.Run(ctx, inv.ID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if final != domain.PhaseCompleted {
		t.Errorf("expected COMPLETED, got %s", final)
	}
}

func TestCancellationLeavesPhaseResumable(t *testing.T) {
	ctx := context.Background()

	analyzers := []domain.DomainAnalyzer{
		&blockingAnalyzer{d: domain.DomainNetwork},
	}
	orch, repo := newTestOrchestrator(t, analyzers)

	inv, err := orch.Start(ctx, testSubject(), testWindow())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := orch.Advance(ctx, inv.ID); err != nil {
		t.Fatalf("advance to DATA_COLLECTION failed: %v", err)
	}

	// A shutdown-style cancellation mid-phase must not mark the
	// investigation FAILED; it stays at the last committed phase.
	cancelCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = orch.Advance(cancelCtx, inv.ID)
	if err == nil {
		t.Fatal("expected an error from the cancelled advance")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, err := repo.GetInvestigation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Phase != domain.PhaseDataCollection {
		t.Fatalf("expected investigation left at DATA_COLLECTION, got %s", stored.Phase)
	}
	if stored.Phase.Terminal() {
		t.Fatal("cancellation must not make the investigation terminal")
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	analyzers := []domain.DomainAnalyzer{
		scoring(domain.DomainNetwork, 0.3, 0.9),
		scoring(domain.DomainDevice, 0.1, 0.9),
	}
	orch, _ := newTestOrchestrator(t, analyzers)

	inv, err := orch.Start(ctx, testSubject(), testWindow())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	t.Run("BeforeSynthesis", func(t *testing.T) {
		status, err := orch.Status(ctx, inv.ID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.Investigation.Phase != domain.PhaseInitialized {
			t.Errorf("unexpected phase %s", status.Investigation.Phase)
		}
		if status.Verdict != nil || status.Remediation != nil {
			t.Error("expected no verdict or remediation yet")
		}
	})

	t.Run("AfterCompletion", func(t *testing.T) {
		if _, err := orch.Run(ctx, inv.ID); err != nil {
			t.Fatalf("run failed: %v", err)
		}

		status, err := orch.Status(ctx, inv.ID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.Investigation.Phase != domain.PhaseCompleted {
			t.Errorf("expected COMPLETED, got %s", status.Investigation.Phase)
		}
		if status.Verdict == nil {
			t.Fatal("expected a verdict")
		}
		if status.Remediation == nil {
			t.Fatal("expected a remediation action")
		}
		if status.Remediation.Label != domain.LabelNotFraud {
			t.Errorf("expected NOT_FRAUD with low scores, got %s", status.Remediation.Label)
		}
	})
}
