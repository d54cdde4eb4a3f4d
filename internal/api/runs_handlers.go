package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/crawler"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
	runsTimeout     = 3 * time.Second
)

// RunsHandler exposes read-only endpoints over retained runs.
type RunsHandler struct {
	store   RunStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the run store and logger.
func NewRunsHandler(store RunStore, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		store:   store,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?limit=&offset=. It returns {"runs": [...]}
// newest first, 400 for invalid paging, or 503 when no store is configured.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.store.ListRuns(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /v1/runs/{run_id}. It returns the full RunResult, 404
// when the run is unknown or evicted, or 500 for store errors.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, crawler.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, harvestResponse{RunResult: run, Partial: run.Partial()})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
