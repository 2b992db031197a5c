package api

import (
	"net/http"

	"github.com/curlcast/orchestrator/internal/orchestrator"
)

// StatusHandler serves the unauthenticated public endpoints.
type StatusHandler struct {
	svc *orchestrator.Service
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(svc *orchestrator.Service) *StatusHandler {
	return &StatusHandler{svc: svc}
}

// Health handles GET /healthz.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Index handles GET /.
func (h *StatusHandler) Index(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"service": "curlcast-orchestrator",
		"ok":      true,
	})
}

// Status handles GET /status: the public active-stream projection. Served
// without the data envelope so static scoreboard pages can consume the
// array directly.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.svc.StatusProjection())
}
