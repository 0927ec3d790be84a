package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/relays/{relay}", s.handleSetRelay)
				r.Post("/relays/{relay}/toggle", s.handleToggleRelay)
				r.Put("/token", s.handleSetToken)
				r.Delete("/token", s.handleRevokeToken)
			})
		})

		r.Get("/link/stats", s.handleLinkStats)
		r.Get("/audit", s.handleListAudit)
		r.Get("/ws", s.handleWebSocket)
	})

	if s.panel != nil {
		r.Handle("/*", s.panel)
	}

	return r
}

// handleHealth reports whether the device listener is running. It answers
// 503 while the listener is down so load balancers can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	running := s.link.Running()
	status, code := "ok", http.StatusOK
	if !running {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":            status,
		"version":           s.version,
		"server_running":    running,
		"connected_clients": s.link.ConnectedCount(),
		"devices":           s.registry.Count(),
		"websocket_clients": s.hub.ClientCount(),
	})
}

// handleLinkStats returns the device link counters.
func (s *Server) handleLinkStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.link.Stats())
}
