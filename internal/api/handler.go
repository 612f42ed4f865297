package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/groundtruth"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/patterns"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	orch        *orchestrator.Orchestrator
	patterns    *patterns.Engine
	groundTruth *groundtruth.Service
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, orch *orchestrator.Orchestrator, patternEngine *patterns.Engine, groundTruth *groundtruth.Service, version string) *Handler {
	return &Handler{
		repo:        repo,
		cache:       cache,
		bus:         bus,
		orch:        orch,
		patterns:    patternEngine,
		groundTruth: groundTruth,
		version:     version,
	}
}

// StartInvestigationRequest is the request body for POST /investigations.
type StartInvestigationRequest struct {
	Subject domain.Subject `json:"subject"`
	Window  struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"window"`
}

// StartInvestigation handles POST /investigations.
func (h *Handler) StartInvestigation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartInvestigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	inv, err := h.orch.Start(ctx, req.Subject, domain.TimeRange{
		Start: req.Window.Start,
		End:   req.Window.End,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, inv)
}

// AdvanceInvestigation handles POST /investigations/{id}/advance. Callers
// poll this to drive progress; the async worker calls the same code path.
func (h *Handler) AdvanceInvestigation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	phase, err := h.orch.Advance(ctx, id)
	if errors.Is(err, domain.ErrPhaseTerminal) {
		// Advancing a finished investigation is a benign no-op.
		writeJSON(w, http.StatusOK, map[string]any{
			"investigationId": id,
			"phase":           phase,
			"terminal":        true,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"investigationId": id,
		"phase":           phase,
		"terminal":        phase.Terminal(),
	})
}

// GetInvestigation handles GET /investigations/{id}.
func (h *Handler) GetInvestigation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	status, err := h.orch.Status(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// IngestActivityResponse is the response for POST /activity.
type IngestActivityResponse struct {
	EventID string `json:"eventId"`
	// AccountRate is the number of events seen for the account in the
	// trailing hour, maintained in the cache.
	AccountRate int64 `json:"accountRate,omitempty"`
}

// IngestActivity handles POST /activity: raw activity records feeding the
// pattern detectors and the built-in analyzers.
func (h *Handler) IngestActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var event domain.ActivityEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if event.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type is required",
		})
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := h.repo.SaveActivity(ctx, &event); err != nil {
		slog.Error("failed to save activity", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save activity",
		})
		return
	}

	resp := IngestActivityResponse{EventID: event.ID}
	if h.cache != nil && event.AccountID != "" {
		rate, err := h.cache.IncrementCounter(ctx, "rate:account:"+event.AccountID, time.Hour)
		if err != nil {
			slog.Warn("failed to update account rate", "account_id", event.AccountID, "error", err)
		} else {
			resp.AccountRate = rate
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

// ConfirmGroundTruthRequest is the request body for POST /groundtruth.
type ConfirmGroundTruthRequest struct {
	Subject domain.Subject `json:"subject"`
	Source  string         `json:"source"`
}

// ConfirmGroundTruth handles POST /groundtruth: records an authoritative
// confirmed-fraud determination (chargeback outcome, manual review, etc.).
func (h *Handler) ConfirmGroundTruth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConfirmGroundTruthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := req.Subject.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if req.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "source is required",
		})
		return
	}

	if err := h.groundTruth.Confirm(ctx, req.Subject, req.Source); err != nil {
		slog.Error("failed to confirm ground truth", "subject", req.Subject.Key(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record ground truth",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"subject": req.Subject.Key(),
		"status":  "confirmed",
	})
}

// GetLabel handles GET /labels/{entityType}/{entityValue}: the entity's
// current label, i.e. the most recent remediation action for the pair.
func (h *Handler) GetLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType := domain.EntityType(chi.URLParam(r, "entityType"))
	entityValue := chi.URLParam(r, "entityValue")

	if !entityType.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity type",
		})
		return
	}

	action, err := h.repo.GetCurrentLabel(ctx, entityType, entityValue)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, action)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListPatterns returns all operator-defined patterns loaded in the engine.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configs, err := h.repo.ListPatternConfigs(ctx)
	if err != nil {
		slog.Error("failed to list patterns", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load patterns",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": configs,
		"count":    len(configs),
		"loaded":   h.patterns.Custom().Count(),
	})
}

// GetPattern retrieves a pattern config by ID.
func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	cfg, err := h.repo.GetPatternConfig(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// CreatePatternRequest is the request body for creating a pattern.
type CreatePatternRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression"`
	Adjustment  float64 `json:"adjustment"`
	Enabled     bool    `json:"enabled"`
}

// CreatePattern validates a new pattern against the CEL environment, loads
// it, and persists it to the database.
func (h *Handler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	now := time.Now().UTC()
	cfg := &domain.PatternConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Adjustment:  req.Adjustment,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Validate the CEL expression by attempting to load it.
	if err := h.patterns.Custom().Load(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid pattern: " + err.Error(),
		})
		return
	}

	if err := h.repo.SavePatternConfig(ctx, cfg); err != nil {
		slog.Error("failed to save pattern config", "id", cfg.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save pattern",
		})
		return
	}

	slog.Info("pattern created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, cfg)
}

// DeletePattern deletes a pattern and reloads the engine.
func (h *Handler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.repo.DeletePatternConfig(ctx, id); err != nil {
		writeError(w, err)
		return
	}

	configs, err := h.repo.ListPatternConfigs(ctx)
	if err != nil {
		slog.Error("failed to reload patterns after delete", "error", err)
	} else if err := h.patterns.Custom().Reload(configs); err != nil {
		slog.Error("failed to reload patterns after delete", "error", err)
	}

	slog.Info("pattern deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "pattern deleted and engine reloaded",
	})
}

// ReloadPatterns reloads all pattern configs from the database into the
// engine, enabling hot-reload without a restart.
func (h *Handler) ReloadPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configs, err := h.repo.ListPatternConfigs(ctx)
	if err != nil {
		slog.Error("failed to list patterns from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load patterns from database",
		})
		return
	}

	if err := h.patterns.Custom().Reload(configs); err != nil {
		slog.Error("failed to reload patterns into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload patterns: " + err.Error(),
		})
		return
	}

	slog.Info("patterns reloaded from database", "count", len(configs))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "patterns reloaded successfully",
		"count":   len(configs),
	})
}

// writeError maps domain sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
