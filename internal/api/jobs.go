package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/orchestrator"
)

// JobHandler exposes the job lifecycle over HTTP.
type JobHandler struct {
	svc    *orchestrator.Service
	logger *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(svc *orchestrator.Service, logger *zap.Logger) *JobHandler {
	return &JobHandler{svc: svc, logger: logger}
}

// List handles GET /v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.svc.ListJobs())
}

// GetByID handles GET /v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, j)
}

// Create handles POST /v1/jobs. 201 on creation, 200 on an idempotent hit,
// 422 on validation failure, 429 when the creation limiter rejects.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	j, existing, err := h.svc.CreateJob(r.Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		ErrUnprocessable(w, err.Error())
	case errors.Is(err, orchestrator.ErrRateLimited):
		ErrTooManyRequests(w, "job creation rate limit exceeded", job.CodeJobCreationRateLimit)
	case err != nil:
		h.logger.Error("job creation failed", zap.Error(err))
		ErrInternal(w)
	case existing:
		Ok(w, j)
	default:
		Created(w, j)
	}
}

// Stop handles POST /v1/jobs/{id}/stop.
func (h *JobHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}

	j, err := h.svc.StopJob(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Accepted(w, j)
}

// Dismiss handles POST /v1/jobs/{id}/dismiss.
func (h *JobHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.DismissJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, j)
}

// GetMetadata handles GET /v1/jobs/{id}/metadata.
func (h *JobHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, j.StreamMetadata)
}

// PutMetadata handles PUT /v1/jobs/{id}/metadata.
func (h *JobHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	var upd orchestrator.MetadataUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}

	j, err := h.svc.UpdateMetadata(chi.URLParam(r, "id"), upd)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, j.StreamMetadata)
}

// Mute handles POST /v1/jobs/{id}/mute.
func (h *JobHandler) Mute(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(id string) error { return h.svc.SetMuted(id, true) })
}

// Unmute handles POST /v1/jobs/{id}/unmute.
func (h *JobHandler) Unmute(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(id string) error { return h.svc.SetMuted(id, false) })
}

// Pause handles POST /v1/jobs/{id}/pause.
func (h *JobHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(id string) error { return h.svc.SetPaused(id, true) })
}

// Unpause handles POST /v1/jobs/{id}/unpause.
func (h *JobHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(id string) error { return h.svc.SetPaused(id, false) })
}

// toggle runs one runtime command that needs a live agent: 202 on dispatch,
// 404 for an unknown job, 409 when no agent is connected.
func (h *JobHandler) toggle(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := chi.URLParam(r, "id")
	switch err := fn(id); {
	case errors.Is(err, orchestrator.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, orchestrator.ErrNoLiveAgent):
		ErrConflict(w, "job has no connected agent")
	case err != nil:
		h.logger.Warn("job command dispatch failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
	default:
		Accepted(w, envelope{"jobId": id})
	}
}

// Stats handles GET /v1/jobs/{id}/stats: a best-effort passthrough of the
// platform's viewer statistics.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := h.svc.JobStats(r.Context(), id)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		ErrNotFound(w)
	case err != nil:
		h.logger.Warn("stats fetch failed", zap.String("job_id", id), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "statistics unavailable", "upstream_error")
	default:
		Ok(w, stats)
	}
}
