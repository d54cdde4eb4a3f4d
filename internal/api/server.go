package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/config"
	"github.com/JakeFAU/quote-harvester/internal/crawler"
	"github.com/JakeFAU/quote-harvester/internal/metrics"
	"github.com/JakeFAU/quote-harvester/internal/pipeline"
)

// Harvester runs pipeline plans. *pipeline.Coordinator satisfies it.
type Harvester interface {
	DefaultPlan() pipeline.Plan
	RunPlan(ctx context.Context, plan pipeline.Plan) (crawler.RunResult, error)
}

// RunStore retains finished runs for later retrieval.
type RunStore interface {
	SaveRun(ctx context.Context, result crawler.RunResult) error
	GetRun(ctx context.Context, runID string) (crawler.RunResult, error)
	ListRuns(ctx context.Context, limit, offset int) ([]crawler.RunSummary, error)
}

// Server wires HTTP handlers to the harvester and run store.
type Server struct {
	router    chi.Router
	harvester Harvester
	runs      *RunsHandler
	store     RunStore
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(harvester Harvester, store RunStore, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		harvester: harvester,
		runs:      NewRunsHandler(store, logger),
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Post("/harvest", s.harvest)
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{run_id}", s.runs.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.harvester == nil {
		writeError(w, http.StatusServiceUnavailable, "harvester unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type harvestRequest struct {
	FirstPage *int  `json:"first_page"`
	LastPage  *int  `json:"last_page"`
	FailFast  *bool `json:"fail_fast"`
}

type harvestResponse struct {
	crawler.RunResult
	Partial bool   `json:"partial"`
	Error   string `json:"error,omitempty"`
}

// harvest handles POST /v1/harvest. The body is optional; omitted fields fall
// back to the configured plan. It responds 200 with the RunResult, 400 for an
// invalid plan, 502 with the partial result when a fail-fast run aborts, and
// 503 with the partial result when the request is canceled or its deadline
// (server.request_timeout_seconds) passes mid-run.
func (s *Server) harvest(w http.ResponseWriter, r *http.Request) {
	if s.harvester == nil {
		writeError(w, http.StatusServiceUnavailable, "harvester unavailable")
		return
	}
	var req harvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	plan, err := s.toPlan(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, runErr := s.harvester.RunPlan(r.Context(), plan)
	if result.RunID != "" && s.store != nil {
		if err := s.store.SaveRun(context.WithoutCancel(r.Context()), result); err != nil {
			s.logger.Error("save run failed", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}

	resp := harvestResponse{RunResult: result, Partial: result.Partial()}
	var abort *crawler.RunError
	switch {
	case runErr == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(runErr, &abort):
		resp.Error = runErr.Error()
		writeJSON(w, http.StatusBadGateway, resp)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		resp.Error = runErr.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		s.logger.Error("harvest failed", zap.Error(runErr))
		writeError(w, http.StatusInternalServerError, runErr.Error())
	}
}

func (s *Server) toPlan(req harvestRequest) (pipeline.Plan, error) {
	plan := s.harvester.DefaultPlan()
	if req.FirstPage != nil {
		plan.FirstPage = *req.FirstPage
	}
	if req.LastPage != nil {
		plan.LastPage = *req.LastPage
	}
	if req.FailFast != nil {
		plan.FailureMode = pipeline.FailurePartial
		if *req.FailFast {
			plan.FailureMode = pipeline.FailureFast
		}
	}
	if err := plan.Validate(); err != nil {
		return pipeline.Plan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// WriteHeader forwards only the first status; later calls, such as the
// timeout middleware's 504 after a handler has already answered, are dropped.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
