package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cordx56/xrypton-go/internal/apperr"
	"github.com/cordx56/xrypton-go/internal/principal"
)

type contextKey string

const principalContextKey contextKey = "principal"

// loggingMiddleware logs each request at info level with its outcome.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// requireAuth authenticates the Authorization header and stores the
// resulting principal in context. selfKeysParam, when non-empty, names the
// URL parameter looked up per-request so the nonce-reuse callback exception (spec §4.E)
// can apply on GET /user/{id}/keys.
func (s *Server) requireAuth(selfKeysParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				apperr.WriteJSON(w, s.logger, apperr.New(apperr.Unauthorized, "missing Authorization header"))
				return
			}

			requestID := ""
			if selfKeysParam != "" {
				requestID = chi.URLParam(r, selfKeysParam)
			}

			princ, err := s.auth.Authenticate(r.Context(), header, requestID)
			if err != nil {
				apperr.WriteJSON(w, s.logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey, princ)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// principalFromContext returns the authenticated principal, if any.
func principalFromContext(ctx context.Context) *principal.Principal {
	p, _ := ctx.Value(principalContextKey).(*principal.Principal)
	return p
}
