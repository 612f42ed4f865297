package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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

// createTestServer wires the full stack against a temp sqlite database, an
// in-memory cache, and an in-process event bus.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
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

	memCache := cache.NewLRUCache(1024)
	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	thresholds := domain.DefaultThresholds()
	patternEngine, err := patterns.NewEngine(thresholds)
	if err != nil {
		t.Fatalf("failed to create pattern engine: %v", err)
	}

	analyzerSvc := analyzers.NewService(repo, memCache)
	gt := groundtruth.NewService(repo, memCache)
	orch := orchestrator.New(
		repo,
		eventBus,
		analyzerSvc.All(),
		patternEngine,
		synthesis.NewSynthesizer(thresholds, patternEngine),
		remediation.NewEngine(repo, thresholds.RemediationThreshold),
		gt,
		thresholds,
	)

	cfg := domain.ServerConfig{Host: "127.0.0.1", Port: 0}
	return NewServer(cfg, repo, memCache, eventBus, orch, patternEngine, gt, "test")
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/health", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]string
		decodeBody(t, rec, &body)
		if body["status"] != "healthy" {
			t.Errorf("expected healthy, got %q", body["status"])
		}
		if body["version"] != "test" {
			t.Errorf("expected version test, got %q", body["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/ready", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestInvestigationFlow(t *testing.T) {
	server := createTestServer(t)
	now := time.Now().UTC()

	// Seed some activity for the subject.
	for i := 0; i < 4; i++ {
		rec := doJSON(t, server, http.MethodPost, "/activity", map[string]any{
			"type":      "purchase",
			"accountId": "user-100",
			"ip":        fmt.Sprintf("10.0.0.%d", i),
			"amount":    50.0,
			"timestamp": now.Add(-time.Duration(i) * time.Hour).Format(time.RFC3339),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("activity ingest failed: %d %s", rec.Code, rec.Body.String())
		}
	}

	var invID string

	t.Run("Start", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/investigations", map[string]any{
			"subject": map[string]string{
				"entityType":  "USER_ID",
				"entityValue": "user-100",
			},
			"window": map[string]string{
				"start": now.Add(-24 * time.Hour).Format(time.RFC3339),
				"end":   now.Format(time.RFC3339),
			},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var inv domain.Investigation
		decodeBody(t, rec, &inv)
		if inv.ID == "" {
			t.Fatal("expected an investigation id")
		}
		if inv.Phase != domain.PhaseInitialized {
			t.Errorf("expected INITIALIZED, got %s", inv.Phase)
		}
		invID = inv.ID
	})

	t.Run("AdvanceToCompletion", func(t *testing.T) {
		var lastPhase string
		for i := 0; i < 6; i++ {
			rec := doJSON(t, server, http.MethodPost, "/investigations/"+invID+"/advance", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("advance failed: %d %s", rec.Code, rec.Body.String())
			}
			var body struct {
				Phase    string `json:"phase"`
				Terminal bool   `json:"terminal"`
			}
			decodeBody(t, rec, &body)
			lastPhase = body.Phase
			if body.Terminal {
				break
			}
		}
		if lastPhase != string(domain.PhaseCompleted) {
			t.Fatalf("expected COMPLETED, got %s", lastPhase)
		}
	})

	t.Run("AdvanceAfterTerminalIsBenign", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/investigations/"+invID+"/advance", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Terminal bool `json:"terminal"`
		}
		decodeBody(t, rec, &body)
		if !body.Terminal {
			t.Error("expected terminal flag on finished investigation")
		}
	})

	t.Run("Status", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/investigations/"+invID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var status domain.InvestigationStatus
		decodeBody(t, rec, &status)
		if status.Investigation.Phase != domain.PhaseCompleted {
			t.Errorf("expected COMPLETED, got %s", status.Investigation.Phase)
		}
		if status.Verdict == nil {
			t.Fatal("expected a verdict in the status view")
		}
	})

	t.Run("UnknownInvestigation", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/investigations/nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("InvalidSubject", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/investigations", map[string]any{
			"subject": map[string]string{
				"entityType":  "WHATEVER",
				"entityValue": "x",
			},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestActivityIngestion(t *testing.T) {
	server := createTestServer(t)

	t.Run("AssignsIDAndCountsRate", func(t *testing.T) {
		var resp IngestActivityResponse
		for i := 0; i < 3; i++ {
			rec := doJSON(t, server, http.MethodPost, "/activity", map[string]any{
				"type":      "purchase",
				"accountId": "user-200",
				"amount":    10.0,
			})
			if rec.Code != http.StatusCreated {
				t.Fatalf("expected 201, got %d", rec.Code)
			}
			decodeBody(t, rec, &resp)
		}
		if resp.EventID == "" {
			t.Error("expected a generated event id")
		}
		if resp.AccountRate != 3 {
			t.Errorf("expected account rate 3, got %d", resp.AccountRate)
		}
	})

	t.Run("RequiresType", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/activity", map[string]any{
			"accountId": "user-200",
			"amount":    10.0,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestGroundTruthAndLabels(t *testing.T) {
	server := createTestServer(t)

	t.Run("Confirm", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/groundtruth", map[string]any{
			"subject": map[string]string{
				"entityType":  "EMAIL",
				"entityValue": "bad@example.com",
			},
			"source": "chargeback",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("ConfirmRequiresSource", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/groundtruth", map[string]any{
			"subject": map[string]string{
				"entityType":  "EMAIL",
				"entityValue": "bad@example.com",
			},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("LabelNotFound", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/labels/USER_ID/nobody", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("LabelBadEntityType", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/labels/TOASTER/x", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestPatternManagement(t *testing.T) {
	server := createTestServer(t)

	validPattern := map[string]any{
		"id":         "pat-refunds",
		"name":       "many_refunds",
		"expression": "refund_count >= 2",
		"adjustment": 0.1,
		"enabled":    true,
	}

	t.Run("Create", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/patterns", validPattern)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/patterns", map[string]any{
			"id":         "pat-bad",
			"name":       "bad",
			"expression": "not_a_feature > 1",
			"adjustment": 0.1,
			"enabled":    true,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown feature, got %d", rec.Code)
		}
	})

	t.Run("RejectsExcessiveAdjustment", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/patterns", map[string]any{
			"id":         "pat-greedy",
			"name":       "greedy",
			"expression": "refund_count >= 1",
			"adjustment": 0.9,
			"enabled":    true,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for excessive adjustment, got %d", rec.Code)
		}
	})

	t.Run("ListIncludesLoadedCount", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/patterns", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Count  int `json:"count"`
			Loaded int `json:"loaded"`
		}
		decodeBody(t, rec, &body)
		if body.Count != 1 {
			t.Errorf("expected 1 stored pattern, got %d", body.Count)
		}
		if body.Loaded != 1 {
			t.Errorf("expected 1 loaded pattern, got %d", body.Loaded)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/patterns/pat-refunds", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var cfg domain.PatternConfig
		decodeBody(t, rec, &cfg)
		if cfg.Expression != "refund_count >= 2" {
			t.Errorf("unexpected expression %q", cfg.Expression)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/patterns/reload", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodDelete, "/patterns/pat-refunds", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		rec = doJSON(t, server, http.MethodGet, "/patterns", nil)
		var body struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &body)
		if body.Count != 0 {
			t.Errorf("expected disabled pattern excluded, got %d", body.Count)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodDelete, "/patterns/never-existed", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}
