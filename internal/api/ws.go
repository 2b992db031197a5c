package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/orchestrator"
	"github.com/curlcast/orchestrator/internal/ws"
)

// WSHandler upgrades UI and public status subscribers onto the fanout hub.
type WSHandler struct {
	hub    *ws.Hub
	svc    *orchestrator.Service
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *ws.Hub, svc *orchestrator.Service, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, svc: svc, logger: logger}
}

// UI handles GET /ui: the authenticated dashboard feed. The client gets a
// full snapshot before registration so no update can slip in ahead of it.
func (h *WSHandler) UI(w http.ResponseWriter, r *http.Request) {
	client, err := ws.NewClient(h.hub, w, r, []string{ws.TopicUI}, h.logger)
	if err != nil {
		h.logger.Warn("ui upgrade failed", zap.Error(err))
		return
	}
	client.Enqueue(h.svc.Snapshot())
	client.Run()
}

// Status handles GET /status-ws: the public projection feed.
func (h *WSHandler) Status(w http.ResponseWriter, r *http.Request) {
	client, err := ws.NewClient(h.hub, w, r, []string{ws.TopicStatus}, h.logger)
	if err != nil {
		h.logger.Warn("status upgrade failed", zap.Error(err))
		return
	}
	client.Enqueue(ws.Message{Type: ws.MsgStatus, Payload: h.svc.StatusProjection()})
	client.Run()
}
