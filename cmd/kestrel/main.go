// Kestrel - Risk synthesis for fraud investigations.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/analyzers"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/groundtruth"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/patterns"
	"github.com/opensource-finance/kestrel/internal/remediation"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/synthesis"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	applyThresholdOverrides(&cfg.Thresholds)

	// Invalid thresholds are a startup failure, never a request-time one.
	if err := cfg.Thresholds.Validate(); err != nil {
		slog.Error("invalid threshold configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"fraud_floor", cfg.Thresholds.FraudFloor,
		"remediation_threshold", cfg.Thresholds.RemediationThreshold,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Pattern Engine
	patternEngine, err := patterns.NewEngine(cfg.Thresholds)
	if err != nil {
		slog.Error("failed to initialize pattern engine", "error", err)
		os.Exit(1)
	}

	// Load operator-defined patterns from database (no hardcoded defaults -
	// configure via POST /patterns)
	if err := loadPatternsFromDatabase(ctx, repo, patternEngine); err != nil {
		slog.Error("failed to load patterns", "error", err)
		os.Exit(1)
	}
	slog.Info("pattern engine initialized", "custom_patterns", patternEngine.Custom().Count())

	// Initialize Ground Truth service
	groundTruthSvc := groundtruth.NewService(repo, cacheImpl)

	// Initialize built-in Domain Analyzers
	analyzerSvc := analyzers.NewService(repo, cacheImpl)
	analyzerSet := analyzerSvc.All()
	slog.Info("domain analyzers initialized", "count", len(analyzerSet))

	// Initialize Synthesizer and Remediation Engine
	synthesizer := synthesis.NewSynthesizer(cfg.Thresholds, patternEngine)
	remediationEngine := remediation.NewEngine(repo, cfg.Thresholds.RemediationThreshold)

	// Initialize Orchestrator
	orch := orchestrator.New(repo, busImpl, analyzerSet, patternEngine, synthesizer, remediationEngine, groundTruthSvc, cfg.Thresholds)
	slog.Info("orchestrator initialized", "phase_timeout", cfg.Thresholds.PhaseTimeout)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, orch)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started")
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, orch, patternEngine, groundTruthSvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyThresholdOverrides reads the synthesis tuning surface from the
// environment. Unset or unparsable values keep the defaults; range
// validation happens afterwards.
func applyThresholdOverrides(t *domain.Thresholds) {
	if v, ok := envFloat("KESTREL_FRAUD_FLOOR"); ok {
		t.FraudFloor = v
	}
	if v, ok := envFloat("KESTREL_MAX_PATTERN_ADJUSTMENT"); ok {
		t.MaxPatternAdjustment = v
	}
	if v, ok := envFloat("KESTREL_MIN_BASE_SCORE_FOR_PATTERNS"); ok {
		t.MinBaseScoreForPatterns = v
	}
	if v, ok := envFloat("KESTREL_REMEDIATION_THRESHOLD"); ok {
		t.RemediationThreshold = v
	}
	if raw := os.Getenv("KESTREL_PHASE_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			t.PhaseTimeout = d
		} else {
			slog.Warn("ignoring unparsable phase timeout", "value", raw)
		}
	}
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("ignoring unparsable threshold override", "name", name, "value", raw)
		return 0, false
	}
	return v, true
}

// loadPatternsFromDatabase loads operator-defined patterns into the engine.
func loadPatternsFromDatabase(ctx context.Context, repo domain.Repository, engine *patterns.Engine) error {
	configs, err := repo.ListPatternConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list patterns from database", "error", err)
		return nil // Start with builtins only - patterns can be added via API
	}

	if len(configs) > 0 {
		slog.Info("loading patterns from database", "count", len(configs))
		return engine.Custom().Reload(configs)
	}

	slog.Info("no custom patterns in database - configure via POST /patterns")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║     Fraud Investigation Engine            ║")
	fmt.Println("  ║      Every signal, one verdict.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /investigations              - Open an investigation")
	fmt.Println("    POST /investigations/{id}/advance - Advance to the next phase")
	fmt.Println("    GET  /investigations/{id}         - Investigation status and verdict")
	fmt.Println("    POST /activity                    - Ingest an activity event")
	fmt.Println("    POST /groundtruth                 - Record confirmed fraud")
	fmt.Println("    GET  /labels/{type}/{value}       - Current entity label")
	fmt.Println("    GET  /patterns                    - List custom patterns")
	fmt.Println("    POST /patterns                    - Create a custom pattern")
	fmt.Println("    POST /patterns/reload             - Hot-reload patterns")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
