// Package api exposes run submission and run lookup over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/middleware"
	"github.com/google/uuid"
)

// Dispatcher starts runs in the background. *coordinator.Dispatcher
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req partition.RunRequest, done func(partition.Outcome)) error
}

type Handler struct {
	dispatcher  Dispatcher
	history     coordinator.History
	checker     *health.Checker
	waitTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Handler. waitTimeout bounds how long a ?wait=true submission
// holds the request open before answering 202.
func New(d Dispatcher, history coordinator.History, checker *health.Checker, waitTimeout time.Duration) *Handler {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Minute
	}
	return &Handler{
		dispatcher:  d,
		history:     history,
		checker:     checker,
		waitTimeout: waitTimeout,
		logger:      slog.Default().With("component", "api-handler"),
	}
}

// Routes builds the service mux. Run lookups are bounded by lookupTimeout and
// submissions by limiter; a nil limiter admits everything.
func (h *Handler) Routes(m *metrics.Metrics, lookupTimeout time.Duration, limiter *middleware.RateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/runs", middleware.RateLimit(limiter)(http.HandlerFunc(h.Submit)))
	mux.Handle("GET /api/v1/runs/{runId}", middleware.Timeout(lookupTimeout)(http.HandlerFunc(h.GetRun)))
	mux.HandleFunc("GET /health", h.checker.LiveHandler())
	mux.HandleFunc("GET /ready", h.checker.ReadyHandler())
	return middleware.Metrics(m)(mux)
}

type submitResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// Submit accepts {"bucketName","key","runId"?}. Without ?wait=true it
// returns 202 as soon as the run has a slot; with it, the outcome is returned
// unless the run outlives waitTimeout, in which case the run keeps going and
// the response is 202.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req partition.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := logger.WithRun(r.Context(), req.RunID)
	log := logger.FromContext(ctx)

	wait := r.URL.Query().Get("wait") == "true"
	done := make(chan partition.Outcome, 1)
	var onDone func(partition.Outcome)
	if wait {
		onDone = func(out partition.Outcome) { done <- out }
	}
	if err := h.dispatcher.Dispatch(ctx, req, onDone); err != nil {
		status := apperrors.HTTPStatusCode(err)
		log.Error("run dispatch failed", "error", err, "status_code", status)
		h.writeError(w, status, err.Error())
		return
	}
	log.Info("run accepted",
		"source_id", req.SourceID,
		"object_key", req.ObjectKey,
		"wait", wait,
	)
	if !wait {
		h.writeJSON(w, http.StatusAccepted, submitResponse{RunID: req.RunID, Status: "ACCEPTED"})
		return
	}
	waitCtx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()
	select {
	case out := <-done:
		h.writeJSON(w, outcomeStatus(out), out)
	case <-waitCtx.Done():
		h.writeJSON(w, http.StatusAccepted, submitResponse{RunID: req.RunID, Status: "RUNNING"})
	}
}

// GetRun returns the latest recorded outcome for a run id.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	rec, err := h.history.Get(r.Context(), runID)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("run lookup failed", "run_id", runID, "error", err)
		}
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func outcomeStatus(out partition.Outcome) int {
	switch out.Status {
	case partition.StatusCompleted:
		return http.StatusOK
	case partition.StatusSkipped:
		return http.StatusConflict
	default:
		return apperrors.HTTPStatusCode(out.Cause)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
