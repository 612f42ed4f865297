// Package worker provides async investigation processing for the Pro tier.
// It subscribes to the opened-investigation topic and drives each
// investigation to a terminal phase, so API callers do not have to poll.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
)

// Worker consumes investigation-opened events from the EventBus.
type Worker struct {
	bus  domain.EventBus
	orch *orchestrator.Orchestrator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async worker around the orchestrator.
func NewWorker(bus domain.EventBus, orch *orchestrator.Orchestrator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		orch:   orch,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the opened-investigation topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicInvestigationOpened, w.handleOpened)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicInvestigationOpened,
	)
	return nil
}

// handleOpened drives one investigation to completion.
func (w *Worker) handleOpened(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var event domain.InvestigationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse investigation event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.InvestigationID == "" {
		slog.Warn("investigation event missing id", "message_id", msg.ID)
		return nil
	}

	w.wg.Add(1)
	defer w.wg.Done()

	phase, err := w.orch.Run(ctx, event.InvestigationID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-run: the investigation stays at its last
			// committed phase and resumes on the next delivery.
			slog.Info("investigation run interrupted by shutdown",
				"investigation_id", event.InvestigationID,
			)
			return nil
		}
		slog.Error("investigation run failed",
			"investigation_id", event.InvestigationID,
			"error", err,
		)
		return err
	}

	slog.Info("investigation processed",
		"investigation_id", event.InvestigationID,
		"phase", phase,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker, waiting for in-flight investigations.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
