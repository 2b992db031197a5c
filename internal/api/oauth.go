package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/broadcast"
)

// OAuthHandler manages the YouTube OAuth consent flow. The orchestrator
// holds one credential for the whole deployment; these endpoints let an
// operator establish, rotate, and revoke it without a restart.
type OAuthHandler struct {
	tokens *broadcast.TokenManager
	logger *zap.Logger
}

// NewOAuthHandler creates an OAuthHandler.
func NewOAuthHandler(tokens *broadcast.TokenManager, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{tokens: tokens, logger: logger}
}

// Status handles GET /oauth/status.
func (h *OAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"authenticated": h.tokens.HasToken()})
}

// AuthURL handles GET /oauth/auth-url.
func (h *OAuthHandler) AuthURL(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"url": h.tokens.AuthURL("orchestrator")})
}

// Token handles POST /oauth/token: either exchanges an authorization code
// or rotates the refresh token directly.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code         string `json:"code,omitempty"`
		RefreshToken string `json:"refreshToken,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	switch {
	case body.Code != "":
		if err := h.tokens.Exchange(r.Context(), body.Code); err != nil {
			h.logger.Warn("oauth code exchange failed", zap.Error(err))
			ErrBadRequest(w, "code exchange failed")
			return
		}
	case body.RefreshToken != "":
		if err := h.tokens.UpdateRefreshToken(body.RefreshToken); err != nil {
			h.logger.Error("refresh token rotation failed", zap.Error(err))
			ErrInternal(w)
			return
		}
	default:
		ErrBadRequest(w, "either code or refreshToken is required")
		return
	}
	Ok(w, envelope{"authenticated": h.tokens.HasToken()})
}

// Revoke handles DELETE /oauth/token.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Clear(); err != nil {
		h.logger.Error("failed to clear oauth token", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"authenticated": false})
}

// Callback handles GET /oauth/callback: the redirect target of the consent
// flow. On success the operator lands back on the dashboard.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		ErrBadRequest(w, "missing code parameter")
		return
	}
	if err := h.tokens.Exchange(r.Context(), code); err != nil {
		h.logger.Warn("oauth callback exchange failed", zap.Error(err))
		ErrBadRequest(w, "code exchange failed")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
