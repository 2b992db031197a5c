package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/orchestrator"
)

// AgentHandler exposes agent inventory and control over HTTP.
type AgentHandler struct {
	svc    *orchestrator.Service
	logger *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(svc *orchestrator.Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, logger: logger}
}

// List handles GET /v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.svc.Agents())
}

// Drain handles POST /v1/agents/{id}/drain.
func (h *AgentHandler) Drain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Drain bool `json:"drain"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	id := chi.URLParam(r, "id")
	if !h.svc.SetAgentDrain(id, body.Drain) {
		ErrNotFound(w)
		return
	}
	snap, _ := h.svc.Agent(id)
	Ok(w, snap)
}

// Meta handles PUT /v1/agents/{id}/meta.
func (h *AgentHandler) Meta(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Meta map[string]any `json:"meta"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	id := chi.URLParam(r, "id")
	if !h.svc.SetAgentMeta(id, body.Meta) {
		ErrNotFound(w)
		return
	}
	snap, _ := h.svc.Agent(id)
	Ok(w, snap)
}

// Reboot handles POST /v1/agents/{id}/reboot. 202 on dispatch, 404 when the
// agent has no live socket, 500 when the socket write fails.
func (h *AgentHandler) Reboot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}

	id := chi.URLParam(r, "id")
	switch err := h.svc.RebootAgent(id, body.Reason); {
	case errors.Is(err, orchestrator.ErrNotFound):
		ErrNotFound(w)
	case err != nil:
		h.logger.Warn("reboot dispatch failed", zap.String("agent_id", id), zap.Error(err))
		ErrInternal(w)
	default:
		Accepted(w, envelope{"agentId": id})
	}
}

// RebootAll handles POST /v1/agents/reboot-all.
func (h *AgentHandler) RebootAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}

	n := h.svc.RebootAll(body.Reason)
	Accepted(w, envelope{"dispatched": n})
}
