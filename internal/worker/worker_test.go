package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/analyzers"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/groundtruth"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/patterns"
	"github.com/opensource-finance/kestrel/internal/remediation"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/synthesis"
)

func newTestStack(t *testing.T) (*orchestrator.Orchestrator, domain.EventBus, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-worker-test-*.db")
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

	memCache := cache.NewLRUCache(128)
	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	thresholds := domain.DefaultThresholds()
	engine, err := patterns.NewEngine(thresholds)
	if err != nil {
		t.Fatalf("failed to create pattern engine: %v", err)
	}

	orch := orchestrator.New(
		repo,
		eventBus,
		analyzers.NewService(repo, memCache).All(),
		engine,
		synthesis.NewSynthesizer(thresholds, engine),
		remediation.NewEngine(repo, thresholds.RemediationThreshold),
		groundtruth.NewService(repo, memCache),
		thresholds,
	)
	return orch, eventBus, repo
}

func TestWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("DrivesOpenedInvestigationToTerminal", func(t *testing.T) {
		orch, eventBus, repo := newTestStack(t)

		w := NewWorker(eventBus, orch)
		if err := w.Start(); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer w.Stop()

		end := time.Now().UTC()
		inv, err := orch.Start(ctx,
			domain.Subject{EntityType: domain.EntityUserID, EntityValue: "user-async"},
			domain.TimeRange{Start: end.Add(-24 * time.Hour), End: end},
		)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			got, err := repo.GetInvestigation(ctx, inv.ID)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.Phase.Terminal() {
				if got.Phase != domain.PhaseCompleted {
					t.Fatalf("expected COMPLETED, got %s", got.Phase)
				}
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatal("investigation never reached a terminal phase")
	})

	t.Run("IgnoresMalformedEvents", func(t *testing.T) {
		_, eventBus, _ := newTestStack(t)
		orch, _, _ := newTestStack(t)

		w := NewWorker(eventBus, orch)
		if err := w.Start(); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer w.Stop()

		// Neither of these should crash the worker.
		eventBus.Publish(ctx, domain.TopicInvestigationOpened, []byte("not json"))
		eventBus.Publish(ctx, domain.TopicInvestigationOpened, []byte(`{}`))
		time.Sleep(50 * time.Millisecond)

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("StopUnsubscribes", func(t *testing.T) {
		orch, eventBus, _ := newTestStack(t)

		w := NewWorker(eventBus, orch)
		if err := w.Start(); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if err := w.Stop(); err != nil {
			t.Fatalf("stop failed: %v", err)
		}
		if got := w.GetStats().SubscriptionCount; got != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", got)
		}
	})
}
