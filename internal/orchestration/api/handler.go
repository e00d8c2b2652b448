// Package api provides the HTTP API for job orchestration.
// It exposes REST endpoints for submitting and reading jobs and SSE streams
// for per-job progress and the job lifecycle.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/zjrosen/marketpulse/internal/cachemanager"
	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/orchestration/coordinator"
	"github.com/zjrosen/marketpulse/internal/orchestration/gateway"
	"github.com/zjrosen/marketpulse/internal/orchestration/metrics"
)

// Error codes of the JSON error envelope.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeResultNotReady   = "RESULT_NOT_READY"
	CodeRateLimited      = "RATE_LIMITED"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

const (
	DefaultHeartbeat      = 15 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultResultTTL      = 10 * time.Minute
	DefaultSubmitRate     = 5
	DefaultSubmitBurst    = 10
)

// Handler provides HTTP endpoints for the coordinator.
type Handler struct {
	coord          *coordinator.Coordinator
	gw             *gateway.Gateway
	results        *cachemanager.ReadThroughCache[*domain.StoredResult]
	limiter        *rate.Limiter
	heartbeat      time.Duration
	requestTimeout time.Duration
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Coordinator runs jobs (required).
	Coordinator *coordinator.Coordinator
	// Gateway joins observers to job channels (required).
	Gateway *gateway.Gateway
	// Results is the durable result store read by GET /jobs/{id}/result (required).
	Results domain.ResultRepository
	// ResultTTL is how long a stored result is cached.
	ResultTTL time.Duration
	// ResultCleanup is the background sweep interval of the result cache.
	// Zero sweeps nothing in the background.
	ResultCleanup time.Duration
	// SubmitRate is the sustained submissions per second. Negative disables limiting.
	SubmitRate float64
	// SubmitBurst is the number of submissions allowed at once.
	SubmitBurst int
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
}

// NewHandler creates a handler. Zero config values take defaults.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	if cfg.SubmitRate == 0 {
		cfg.SubmitRate = DefaultSubmitRate
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = DefaultSubmitBurst
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	limit := rate.Limit(cfg.SubmitRate)
	if cfg.SubmitRate < 0 {
		limit = rate.Inf
	}

	cache := cachemanager.NewInMemoryCacheManager[*domain.StoredResult]("results", cfg.ResultTTL, cfg.ResultCleanup)
	return &Handler{
		coord:          cfg.Coordinator,
		gw:             cfg.Gateway,
		results:        cachemanager.NewReadThroughCache[*domain.StoredResult](cache, cfg.Results.Get, cfg.ResultTTL),
		limiter:        rate.NewLimiter(limit, cfg.SubmitBurst),
		heartbeat:      cfg.Heartbeat,
		requestTimeout: cfg.RequestTimeout,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(h.requestTimeout))

		r.Post("/jobs", h.Submit)
		r.Get("/jobs", h.List)
		r.Get("/jobs/{id}", h.Get)
		r.Get("/jobs/{id}/result", h.Result)
		r.Get("/health", h.Health)
	})

	// Streams are long-lived and stay outside the timeout group.
	r.Get("/jobs/{id}/events", h.StreamJobEvents)
	r.Get("/events", h.StreamLifecycle)

	return r
}

// === Request/Response Types ===

// SubmitRequest is the request body for submitting a job.
type SubmitRequest struct {
	Subject     string `json:"subject"`
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
	// JobID makes the submission idempotent (optional).
	JobID string `json:"jobId,omitempty"`
}

// SubmitResponse is the response body for a submission.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// JobResponse is the response body for a single job.
type JobResponse struct {
	JobID         string              `json:"jobId"`
	Subject       string              `json:"subject"`
	PeriodStart   string              `json:"periodStart"`
	PeriodEnd     string              `json:"periodEnd"`
	Status        string              `json:"status"`
	FailureReason string              `json:"failureReason,omitempty"`
	Error         string              `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	Stages        []domain.StageState `json:"stages,omitempty"`
	Metrics       *metrics.RunMetrics `json:"metrics,omitempty"`
}

// ListJobsResponse is the response body for listing jobs.
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	RunningJobs int64  `json:"runningJobs"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// === Handlers ===

// Submit creates a job and starts it.
// POST /jobs
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many submissions", nil)
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid JSON body",
			map[string]any{"reason": err.Error()})
		return
	}

	job, created, err := h.coord.Submit(r.Context(), coordinator.SubmitRequest{
		JobID:       req.JobID,
		Subject:     req.Subject,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, verr.Error(),
				map[string]any{"field": verr.Field})
		case errors.Is(err, coordinator.ErrShuttingDown):
			h.writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "Service is shutting down", nil)
		default:
			log.ErrorErr(log.CatAPI, "Submit failed", err)
			h.writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to submit job", nil)
		}
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, SubmitResponse{JobID: job.ID(), Status: string(job.Status())})
}

// List returns jobs newest first.
// GET /jobs?status=failed,completed&limit=20
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var filter domain.ListFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := domain.Status(strings.TrimSpace(s))
			if !status.IsValid() {
				h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Unknown status",
					map[string]any{"status": string(status)})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer",
				map[string]any{"limit": raw})
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.coord.List(r.Context(), filter)
	if err != nil {
		log.ErrorErr(log.CatAPI, "List failed", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to list jobs", nil)
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs)), Total: len(jobs)}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(job))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Get returns one job with its stage states.
// GET /jobs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.coord.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	resp := jobToResponse(view.Job)
	resp.Stages = view.Stages
	resp.Metrics = view.Metrics
	h.writeJSON(w, http.StatusOK, resp)
}

// Result returns the stored result of a completed job.
// GET /jobs/{id}/result
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.coord.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	if view.Job.Status() != domain.StatusCompleted {
		h.writeError(w, http.StatusConflict, CodeResultNotReady, "Job has not completed",
			map[string]any{"status": string(view.Job.Status())})
		return
	}

	res, err := h.results.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Health reports liveness and the number of running workers.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", RunningJobs: h.coord.Running()})
}

// === Helpers ===

func jobToResponse(job *domain.Job) JobResponse {
	return JobResponse{
		JobID:         job.ID(),
		Subject:       job.Subject(),
		PeriodStart:   job.Period().StartString(),
		PeriodEnd:     job.Period().EndString(),
		Status:        string(job.Status()),
		FailureReason: string(job.FailureReason()),
		Error:         job.Error(),
		CreatedAt:     job.CreatedAt(),
		StartedAt:     job.StartedAt(),
		CompletedAt:   job.CompletedAt(),
		UpdatedAt:     job.UpdatedAt(),
	}
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound, "Job not found", nil)
	case errors.Is(err, domain.ErrResultNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound, "Result not found", nil)
	default:
		log.ErrorErr(log.CatAPI, "Lookup failed", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal error", nil)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "Failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
