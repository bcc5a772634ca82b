package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/cliprelay/internal/clipqueue"
)

const userIDHeader = "X-User-Id"

type ServerConfig struct {
	// ObservabilityToken gates GET /v1/observability. Empty disables the
	// endpoint entirely rather than leaving it open.
	ObservabilityToken string
	MaxBodyBytes       int64
	Logger             zerolog.Logger
}

// Server exposes the clip write pipeline over HTTP. Identity arrives as an
// upstream-authenticated X-User-Id header; this service trusts its ingress
// for authentication and enforces per-user ownership itself.
type Server struct {
	queue    *clipqueue.Queue
	metrics  *clipqueue.Metrics
	sentinel *clipqueue.Sentinel
	cfg      ServerConfig
}

func NewServer(queue *clipqueue.Queue, metrics *clipqueue.Metrics, sentinel *clipqueue.Sentinel, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		queue:    queue,
		metrics:  metrics,
		sentinel: sentinel,
		cfg:      cfg,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/clips", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Get("/jobs/{jobID}/result", s.handleJobResult)
		r.Get("/observability", s.handleObservability)
	})
	return r
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	userID, ok := s.requireUser(w, r, correlationID)
	if !ok {
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateClipRequest(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
		return
	}
	var req clipqueue.EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", correlationID)
		return
	}

	resp, err := s.queue.Enqueue(r.Context(), userID, req)
	switch {
	case err == nil:
	case errors.Is(err, clipqueue.ErrNoConnection):
		writeError(w, http.StatusConflict, "no_connection", "user has no active upstream connection", correlationID)
		return
	case errors.Is(err, clipqueue.ErrUnsupportedOperation):
		writeError(w, http.StatusBadRequest, "unsupported_operation", "operation is not supported", correlationID)
		return
	case errors.Is(err, clipqueue.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "request is missing required fields", correlationID)
		return
	case errors.Is(err, clipqueue.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down", correlationID)
		return
	default:
		s.cfg.Logger.Error().Err(err).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to queue clip write", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	userID, ok := s.requireUser(w, r, correlationID)
	if !ok {
		return
	}
	status, err := s.queue.GetStatus(r.Context(), userID, chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeQueueError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	userID, ok := s.requireUser(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.queue.GetResult(r.Context(), userID, chi.URLParam(r, "jobID"))
	if errors.Is(err, clipqueue.ErrJobNotFinished) {
		writeError(w, http.StatusConflict, "job_not_finished", "job has not succeeded yet", correlationID)
		return
	}
	if err != nil {
		s.writeQueueError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	userID, ok := s.requireUser(w, r, correlationID)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", correlationID)
			return
		}
		limit = parsed
	}
	status := clipqueue.JobStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	jobs, err := s.queue.ListJobs(r.Context(), userID, status, limit)
	if err != nil {
		s.writeQueueError(w, err, correlationID)
		return
	}
	summaries := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, summarizeJob(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

type jobSummary struct {
	JobID       string                 `json:"jobId"`
	Operation   clipqueue.Operation    `json:"operation"`
	Status      clipqueue.JobStatus    `json:"status"`
	ErrorCode   string                 `json:"errorCode,omitempty"`
	RetryAt     *time.Time             `json:"retryAt,omitempty"`
	Result      *clipqueue.WriteResult `json:"result,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// summarizeJob strips the payload from the stored job before it leaves the
// service; listings never echo clip content back.
func summarizeJob(job clipqueue.WriteJob) jobSummary {
	return jobSummary{
		JobID:       job.ID,
		Operation:   job.Operation,
		Status:      job.Status,
		ErrorCode:   job.ErrorCode,
		RetryAt:     job.RetryAt,
		Result:      job.Result,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

func (s *Server) handleObservability(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeObservability(r.Header.Get("Authorization"), s.cfg.ObservabilityToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	credentials, meanRetryAfter := s.sentinel.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": s.metrics.Snapshot(),
		"sentinel": map[string]any{
			"windowCredentials": credentials,
			"meanRetryAfterMs":  meanRetryAfter.Milliseconds(),
		},
	})
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request, correlationID string) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+userIDHeader+" header", correlationID)
		return "", false
	}
	return userID, true
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error, correlationID string) {
	if errors.Is(err, clipqueue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found", correlationID)
		return
	}
	if errors.Is(err, clipqueue.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request", correlationID)
		return
	}
	s.cfg.Logger.Error().Err(err).Msg("job lookup failed")
	writeError(w, http.StatusInternalServerError, "internal", "job lookup failed", correlationID)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
