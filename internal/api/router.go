package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/broadcast"
	"github.com/curlcast/orchestrator/internal/orchestrator"
	"github.com/curlcast/orchestrator/internal/ws"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Service *orchestrator.Service
	Hub     *ws.Hub
	Tokens  *broadcast.TokenManager
	Metrics prometheus.Gatherer
	Logger  *zap.Logger

	// RestrictPublicAccess gates the control plane to loopback and RFC1918
	// addresses. The public endpoints stay reachable either way.
	RestrictPublicAccess bool
}

// NewRouter builds and returns the fully configured Chi router.
//
// Three trust zones: the public zone (/, /healthz, /status, /status-ws,
// /metrics) is open to everyone; the agent zone (/agent) authenticates
// inside the WebSocket protocol; the control zone (/v1, /ui, /oauth) is
// optionally gated by IP trust.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy. The IP trust
	// gate depends on it.
	r.Use(middleware.RealIP)

	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	statusHandler := NewStatusHandler(cfg.Service)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Service, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Service, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Service, cfg.Logger)
	configHandler := NewConfigHandler(cfg.Service, cfg.Logger)
	oauthHandler := NewOAuthHandler(cfg.Tokens, cfg.Logger)

	// --- Public zone ---
	r.Group(func(r chi.Router) {
		r.Use(PermissiveCORS)
		r.Get("/", statusHandler.Index)
		r.Get("/healthz", statusHandler.Health)
		r.Get("/status", statusHandler.Status)
		r.Get("/status-ws", wsHandler.Status)
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	})

	// --- Agent zone ---
	r.Get("/agent", cfg.Service.ServeAgentWS)

	// --- Control zone ---
	r.Group(func(r chi.Router) {
		r.Use(TrustedOnly(cfg.RestrictPublicAccess))

		r.Get("/ui", wsHandler.UI)

		r.Route("/v1", func(r chi.Router) {
			r.Get("/agents", agentHandler.List)
			r.Post("/agents/reboot-all", agentHandler.RebootAll)
			r.Post("/agents/{id}/drain", agentHandler.Drain)
			r.Put("/agents/{id}/meta", agentHandler.Meta)
			r.Post("/agents/{id}/reboot", agentHandler.Reboot)

			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Post("/jobs/{id}/stop", jobHandler.Stop)
			r.Post("/jobs/{id}/dismiss", jobHandler.Dismiss)
			r.Get("/jobs/{id}/metadata", jobHandler.GetMetadata)
			r.Put("/jobs/{id}/metadata", jobHandler.PutMetadata)
			r.Post("/jobs/{id}/mute", jobHandler.Mute)
			r.Post("/jobs/{id}/unmute", jobHandler.Unmute)
			r.Post("/jobs/{id}/pause", jobHandler.Pause)
			r.Post("/jobs/{id}/unpause", jobHandler.Unpause)
			r.Get("/jobs/{id}/stats", jobHandler.Stats)

			r.Get("/config/stream-privacy", configHandler.GetStreamPrivacy)
			r.Put("/config/stream-privacy", configHandler.PutStreamPrivacy)
			r.Get("/config/alternate-colors", configHandler.GetAlternateColors)
			r.Put("/config/alternate-colors", configHandler.PutAlternateColors)
		})

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/status", oauthHandler.Status)
			r.Get("/auth-url", oauthHandler.AuthURL)
			r.Post("/token", oauthHandler.Token)
			r.Delete("/token", oauthHandler.Revoke)
			r.Get("/callback", oauthHandler.Callback)
		})
	})

	return r
}
