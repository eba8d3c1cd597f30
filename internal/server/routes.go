package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes declares the full API surface.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)
			r.Get("/status", s.sessionStatus)

			r.Get("/message", s.listMessages)
			r.Post("/message", s.postMessage)
			r.Get("/message/{messageID}", s.getMessage)

			r.Get("/children", s.listChildren)
			r.Post("/fork", s.forkSession)
			r.Post("/abort", s.abortSession)
			r.Post("/share", s.shareSession)
			r.Delete("/share", s.unshareSession)
			r.Post("/summarize", s.summarizeSession)
			r.Post("/revert", s.revertSession)
			r.Post("/unrevert", s.unrevertSession)
			r.Get("/todo", s.listTodos)

			r.Post("/permissions/{permissionID}", s.respondPermission)
		})
	})

	r.Get("/event", s.events)

	r.Route("/project", func(r chi.Router) {
		r.Get("/", s.listProjects)
		r.Get("/current", s.currentProject)
	})

	r.Route("/config", func(r chi.Router) {
		r.Get("/", s.getConfig)
		r.Get("/providers", s.listProviders)
	})

	r.Get("/mcp", s.mcpStatus)
}
