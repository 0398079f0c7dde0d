package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/controlroom/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(s.recoverPanics)
	r.Use(s.cors)
	r.Use(limitBody)

	r.Route("/api/v1", func(r chi.Router) {
		// Open routes
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.require(auth.PermModulesRead)).Get("/metrics", s.handleMetrics)

			r.Route("/modules", func(r chi.Router) {
				r.With(s.require(auth.PermModulesRead)).Get("/", s.handleListModules)
				r.With(s.require(auth.PermModulesRead)).Get("/{name}", s.handleGetModule)
				r.With(s.require(auth.PermCommandSend)).Post("/{name}/commands", s.handleSendCommand)
			})

			r.Route("/macros", func(r chi.Router) {
				r.With(s.require(auth.PermModulesRead)).Get("/", s.handleListMacros)
				r.With(s.require(auth.PermMacroRun)).Post("/{name}/run", s.handleRunMacro)
			})

			r.With(s.require(auth.PermAuditRead)).Get("/commands", s.handleListCommands)

			r.With(s.require(auth.PermEventsWatch)).Get("/ws", s.handleWebSocket)
		})
	})

	return r
}
