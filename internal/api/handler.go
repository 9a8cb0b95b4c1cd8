// Package api provides the operator HTTP surface of the distribution engine:
// manual triggers, retries, batch and stats queries, health and metrics.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yieldvault/distribution-engine/internal/distribution"
	"github.com/yieldvault/distribution-engine/internal/health"
	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/scheduler"
)

// Distributor is the scheduler surface the handlers call.
type Distributor interface {
	TriggerManualDistribution(ctx context.Context, positionIDs []string) scheduler.ManualResult
	GetDistributionBatch(ctx context.Context, id string) (*model.DistributionBatch, error)
	GetRecentDistributionBatches(ctx context.Context, limit int) ([]model.DistributionBatch, error)
	GetDistributionStats(ctx context.Context) (model.DistributionStats, error)
	GetFailedTasks(ctx context.Context, batchID string, limit int) ([]model.DistributionTask, error)
	RetryFailedTasks(ctx context.Context, batchID string) (scheduler.RetryResult, error)
}

// HealthReporter reports the pre-flight gate state.
type HealthReporter interface {
	Report(ctx context.Context) health.Report
}

// Handler serves the distribution API.
type Handler struct {
	dist   Distributor
	health HealthReporter
}

// NewHandler creates the API handlers.
func NewHandler(d Distributor, h HealthReporter) *Handler {
	return &Handler{dist: d, health: h}
}

// --- Request/Response types ---

// ManualRequest is the JSON body for POST /distributions/manual. An empty
// body or empty list distributes to every active position.
type ManualRequest struct {
	PositionIDs []string `json:"position_ids"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status  string          `json:"status"`
	Service string          `json:"service"`
	Checks  []health.Result `json:"checks"`
}

// --- HTTP Handlers ---

// TriggerManual handles POST /api/v1/distributions/manual
func (h *Handler) TriggerManual(w http.ResponseWriter, r *http.Request) {
	var req ManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res := h.dist.TriggerManualDistribution(r.Context(), req.PositionIDs)
	slog.Info("manual distribution requested",
		"event", "api_manual_distribution",
		"layer", "api",
		"positions", len(req.PositionIDs),
		"success", res.Success,
	)

	// No batch means the run was refused before it started.
	status := http.StatusOK
	if res.Batch == nil {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// ListBatches handles GET /api/v1/distributions/batches?limit=N
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 10)
	if !ok {
		return
	}
	batches, err := h.dist.GetRecentDistributionBatches(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load batches", http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []model.DistributionBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// GetBatch handles GET /api/v1/distributions/batches/{batchID}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if _, err := model.ParseBatchID(batchID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch, err := h.dist.GetDistributionBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, "failed to load batch", http.StatusInternalServerError)
		return
	}
	if batch == nil {
		writeError(w, "batch not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// GetStats handles GET /api/v1/distributions/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dist.GetDistributionStats(r.Context())
	if err != nil {
		writeError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListFailedTasks handles GET /api/v1/distributions/failed-tasks?batch_id=&limit=
func (h *Handler) ListFailedTasks(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch_id")
	if batchID != "" {
		if _, err := model.ParseBatchID(batchID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}

	tasks, err := h.dist.GetFailedTasks(r.Context(), batchID, limit)
	if err != nil {
		writeError(w, "failed to load tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []model.DistributionTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// RetryBatch handles POST /api/v1/distributions/batches/{batchID}/retry
func (h *Handler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if _, err := model.ParseBatchID(batchID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.dist.RetryFailedTasks(r.Context(), batchID)
	if errors.Is(err, distribution.ErrBatchNotFound) {
		writeError(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to queue retry", http.StatusInternalServerError)
		return
	}

	slog.Info("failed tasks queued for retry",
		"event", "api_retry_queued",
		"layer", "api",
		"batch_id", batchID,
		"retried_count", res.RetriedCount,
	)
	writeJSON(w, http.StatusAccepted, res)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report(r.Context())
	resp := HealthResponse{Status: "ok", Service: "distribution-engine", Checks: report.Checks}
	status := http.StatusOK
	if !report.Healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
