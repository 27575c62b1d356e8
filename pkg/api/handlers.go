package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hatchworks/conveyor/pkg/broker"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/repository"
	"github.com/hatchworks/conveyor/pkg/types"
)

// errorEnvelope is the uniform error response body
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: traceID(r),
	}})
}

type jobAccepted struct {
	JobID     string          `json:"job_id"`
	Status    types.JobStatus `json:"status"`
	StatusURL string          `json:"status_url"`
}

// tierPriority maps client tiers to a default broker priority so paid
// tiers queue ahead of free ones when the caller sets none.
func tierPriority(tier types.Tier) int {
	switch tier {
	case types.TierPro:
		return 6
	case types.TierEnterprise:
		return 7
	case types.TierAdmin:
		return 8
	default:
		return types.PriorityDefault
	}
}

// handleAnalyzeEmail ingests an email analysis job. The job record is
// durable before the task is enqueued; if the enqueue fails the
// scheduler sweep picks the pending record up on its next beat.
func (s *Server) handleAnalyzeEmail(w http.ResponseWriter, r *http.Request) {
	var email types.Email
	if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON", nil)
		return
	}
	if err := s.validate.Struct(email); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
		return
	}

	data, _ := json.Marshal(email)
	s.createJob(w, r, types.JobTypeEmailAnalysis, types.SourceEmail, data, 0,
		types.ProcessingTaskName(types.SourceEmail))
}

// handleAnalyzeSubjects ingests a batch subject classification job
func (s *Server) handleAnalyzeSubjects(w http.ResponseWriter, r *http.Request) {
	var req types.SubjectAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
		return
	}

	data, _ := json.Marshal(req)
	s.createJob(w, r, types.JobTypeSubjectAnalysis, types.SourceEmail, data, 0,
		types.TaskProcessSubjects)
}

// EmbedRequest ingests one document for embedding. Content carries the
// document inline as base64; ObjectKey points at object storage
// instead when the document is too large to inline.
type EmbedRequest struct {
	Source      types.Source   `json:"source" validate:"required,oneof=sharepoint aws_s3 azure email"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	Content     string         `json:"content,omitempty"`
	ObjectKey   string         `json:"object_key,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Priority    int            `json:"priority"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req EmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
		return
	}
	if req.Content == "" && req.ObjectKey == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_failed",
			"either content or object_key is required", nil)
		return
	}
	if _, ok := s.repos[req.Source]; !ok {
		writeError(w, r, http.StatusUnprocessableEntity, "unknown_source",
			"no storage backend configured for source "+string(req.Source), nil)
		return
	}

	data, _ := json.Marshal(req)
	s.createJob(w, r, types.JobTypeEmbedding, req.Source, data, req.Priority,
		types.ProcessingTaskName(req.Source))
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request, jobType types.JobType, source types.Source, data json.RawMessage, priority int, taskName string) {
	record := keyRecord(r)
	if priority == 0 {
		priority = tierPriority(record.Tier)
	}
	now := time.Now().UTC()
	job := &types.Job{
		ID:        s.ids.NextString(),
		Type:      jobType,
		Source:    source,
		Owner:     record.ClientID,
		Status:    types.StatusPending,
		Priority:  types.ClampPriority(priority),
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	repo := s.repos[source]
	if err := repo.Create(r.Context(), job); err != nil {
		log.WithJob(job.ID, traceID(r)).Error().Err(err).Msg("failed to persist job")
		writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "could not persist job", nil)
		return
	}

	task := &broker.Task{
		Name:     taskName,
		Args:     []string{types.JobKey(source, job.ID, job.Owner)},
		JobID:    job.ID,
		TraceID:  traceID(r),
		Priority: job.Priority,
	}
	if err := s.broker.Enqueue(r.Context(), task); err != nil {
		// The pending record survives; the next sweep enqueues it
		log.WithJob(job.ID, traceID(r)).Warn().Err(err).Msg("enqueue failed, job deferred to sweep")
	}

	writeJSON(w, http.StatusAccepted, jobAccepted{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: "/api/v1/status/" + job.ID,
	})
}

// findJob looks a job ID up across all configured backends
func (s *Server) findJob(ctx context.Context, jobID string) (*types.Job, error) {
	for _, repo := range s.repos {
		job, err := repo.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, repository.ErrJobNotFound) {
			return nil, err
		}
	}
	return nil, repository.ErrJobNotFound
}

type statusResponse struct {
	JobID     string          `json:"job_id"`
	Type      types.JobType   `json:"type"`
	Status    types.JobStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Error     string          `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	})
}

type resultsResponse struct {
	JobID   string          `json:"job_id"`
	Status  types.JobStatus `json:"status"`
	Results json.RawMessage `json:"results,omitempty"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if job.Status != types.StatusCompleted && job.Status != types.StatusFailed {
		writeError(w, r, http.StatusConflict, "job_not_finished",
			"job is still "+string(job.Status), map[string]any{"status": job.Status})
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Results: job.Results,
	})
}

// loadOwnedJob fetches the job in the URL and enforces ownership.
// Admin keys see every job.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) (*types.Job, bool) {
	jobID := chi.URLParam(r, "id")
	job, err := s.findJob(r.Context(), jobID)
	if errors.Is(err, repository.ErrJobNotFound) {
		writeError(w, r, http.StatusNotFound, "job_not_found", "no job with ID "+jobID, nil)
		return nil, false
	}
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "could not load job", nil)
		return nil, false
	}

	record := keyRecord(r)
	if job.Owner != record.ClientID && record.Tier != types.TierAdmin {
		// A 404 here would leak job existence to other tenants
		writeError(w, r, http.StatusForbidden, "not_owner", "job belongs to another client", nil)
		return nil, false
	}
	return job, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := map[string]string{}
	healthy := true
	check := func(name string, err error) {
		if err != nil {
			components[name] = "unhealthy: " + err.Error()
			healthy = false
			return
		}
		components[name] = "healthy"
	}

	check("cache", s.cache.Ping(ctx))
	check("broker", s.broker.Ping(ctx))
	for source, repo := range s.repos {
		check("repository:"+string(source), repo.Ping(ctx))
	}
	if s.vectors != nil {
		check("vectorstore", s.vectors.Ping(ctx))
	}

	body := map[string]any{
		"status":     "ok",
		"components": components,
	}
	if s.costs != nil {
		tokens, cost := s.costs.MonthlySpend(ctx)
		body["monthly_tokens"] = tokens
		body["monthly_spend_dollars"] = cost
	}

	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
