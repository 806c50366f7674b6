package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Route("/user/{id}", func(r chi.Router) {
			r.With(s.requireAuth("id")).Get("/keys", s.handleGetKeys)
			r.Post("/keys", s.handleRegisterKeys)
			r.With(s.requireAuth("")).Put("/keys", s.handleRotateKeys)
			r.With(s.requireAuth("")).Delete("/keys", s.handleDeleteKeys)

			r.Get("/profile", s.handleGetProfile)
			r.With(s.requireAuth("")).Post("/profile", s.handleUpdateProfile)

			r.Get("/icon", s.handleGetIcon)
			r.With(s.requireAuth("")).Post("/icon", s.handleUploadIcon)
		})

		r.Route("/keys/{fp}", func(r chi.Router) {
			r.With(s.requireAuth("")).Post("/signature", s.handleWotIngress)
			r.With(s.requireAuth("")).Get("/signatures", s.handleWotRead)
		})

		r.With(s.requireAuth("")).Post("/federation/chat", s.handleFederationChat)
		r.Post("/federation/notify", s.handleFederationNotify)
	})

	return r
}
