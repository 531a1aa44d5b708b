package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all optimizer routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/optimizer", func(r chi.Router) {
		r.Post("/optimize", h.HandleOptimize)
		r.Post("/frontier", h.HandleFrontier)
		r.Get("/frontier/stream", h.HandleFrontierStream)
	})
}
