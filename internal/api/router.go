package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bifrost/internal/panel"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such endpoint")
		})

		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/status", s.handleStatus)

		r.Route("/config", func(r chi.Router) {
			r.Put("/mqtt", s.handleSubmitMQTTConfig)
			r.Put("/startup", s.handleSubmitStartupPreferences)
		})
		r.Get("/startup", s.handleGetStartupPreferences)

		r.Get("/ws", s.handleWebSocket)
	})

	// Configuration page (embedded via go:embed)
	r.Handle("/*", panel.Handler(s.cfg.PanelDir))

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
