package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/feature"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	detector *detector.Detector
	repo     domain.Repository
	cache    domain.Cache
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(det *detector.Detector, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		detector: det,
		repo:     repo,
		cache:    cache,
		version:  version,
	}
}

// AssessTransaction handles POST /assess/transaction requests.
func (h *Handler) AssessTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.New().String()
	}

	ev := req.ToEvent()
	ev.TenantID = tenantID

	assessment, err := h.detector.AssessTransaction(ctx, ev)
	if err != nil {
		var extErr *feature.ExtractionError
		if errors.As(err, &extErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": extErr.Error(),
			})
			return
		}
		slog.Error("transaction assessment failed", "event_id", ev.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "assessment failed",
		})
		return
	}

	assessment.Metadata.TraceID = traceID
	writeJSON(w, http.StatusOK, assessment.ToResponse())
}

// AssessLogin handles POST /assess/login requests.
func (h *Handler) AssessLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}
	if req.LoginID == "" {
		req.LoginID = uuid.New().String()
	}

	ev := req.ToEvent()
	ev.TenantID = tenantID

	assessment, err := h.detector.AssessLogin(ctx, ev)
	if err != nil {
		var extErr *feature.ExtractionError
		if errors.As(err, &extErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": extErr.Error(),
			})
			return
		}
		slog.Error("login assessment failed", "event_id", ev.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "assessment failed",
		})
		return
	}

	assessment.Metadata.TraceID = traceID
	writeJSON(w, http.StatusOK, assessment.ToResponse())
}

// GetAssessment retrieves an assessment by ID. The summary cache is
// consulted first; a miss falls through to the repository.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	assessmentID := chi.URLParam(r, "id")

	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return
	}

	if summary, err := h.detector.GetAssessmentSummary(ctx, tenantID, assessmentID); err == nil && summary != nil {
		if time.Now().UTC().Before(summary.ExpiresAt) {
			writeJSON(w, http.StatusOK, summary)
			return
		}
	}

	assessment, err := h.detector.GetAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "assessment not found",
			})
			return
		}
		slog.Error("failed to get assessment", "id", assessmentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get assessment",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// ListAlerts returns alerting assessments for the tenant. The window
// defaults to the last 24 hours and can be narrowed with ?since=RFC3339.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	alerts, err := h.repo.ListAlerts(ctx, tenantID, since, limit)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
		"since":  since,
	})
}

// RecordFeedback handles POST /feedback requests. Feedback labels the
// captured training row and feeds the retrain trigger.
func (h *Handler) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	fb, err := h.detector.RecordFeedback(ctx, tenantID, &req)
	if err != nil {
		var extErr *feature.ExtractionError
		if errors.As(err, &extErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": extErr.Error(),
			})
			return
		}
		slog.Error("failed to record feedback", "assessment_id", req.AssessmentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record feedback",
		})
		return
	}

	writeJSON(w, http.StatusCreated, fb)
}

// TrainModels triggers a synchronous retrain for the tenant.
func (h *Handler) TrainModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	status, err := h.detector.TrainEnsemble(ctx, tenantID)
	if err != nil {
		if strings.Contains(err.Error(), "insufficient training data") {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("training failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "training failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// ModelStatus returns the state of the serving ensemble.
func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	status := h.detector.ModelStatus()

	needed, reason := h.detector.RetrainNeeded(GetTenantID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ensemble":      status,
		"retrainNeeded": needed,
		"retrainReason": reason,
	})
}

// Stats returns assessment counters for the process lifetime.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.detector.Stats())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

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

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
