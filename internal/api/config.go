package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/orchestrator"
)

// ConfigHandler exposes the runtime settings under /v1/config.
type ConfigHandler struct {
	svc    *orchestrator.Service
	logger *zap.Logger
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(svc *orchestrator.Service, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{svc: svc, logger: logger}
}

// GetStreamPrivacy handles GET /v1/config/stream-privacy.
func (h *ConfigHandler) GetStreamPrivacy(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"privacy": h.svc.StreamPrivacy()})
}

// PutStreamPrivacy handles PUT /v1/config/stream-privacy.
func (h *ConfigHandler) PutStreamPrivacy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Privacy string `json:"privacy"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.svc.SetStreamPrivacy(body.Privacy); err != nil {
		ErrBadRequest(w, "privacy must be 'public' or 'unlisted'")
		return
	}
	Ok(w, envelope{"privacy": body.Privacy})
}

// GetAlternateColors handles GET /v1/config/alternate-colors.
func (h *ConfigHandler) GetAlternateColors(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"alternateColors": h.svc.AlternateColors()})
}

// PutAlternateColors handles PUT /v1/config/alternate-colors.
func (h *ConfigHandler) PutAlternateColors(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AlternateColors *bool `json:"alternateColors"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.AlternateColors == nil {
		ErrBadRequest(w, "alternateColors must be a boolean")
		return
	}

	h.svc.SetAlternateColors(*body.AlternateColors)
	Ok(w, envelope{"alternateColors": *body.AlternateColors})
}
