package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/seantiz/walker/internal/auth"
	"github.com/seantiz/walker/internal/model"
)

type identityKey struct{}

// authMiddleware resolves the caller from a bearer token. Browsers cannot set
// headers on websocket upgrades, so access_token in the query is accepted too.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.VerifyToken(s.cfg.JWTSecret, token)
		if err != nil {
			s.logger.Debug("rejected token", "error", err)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, claims.Identity())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// identity returns the caller set by authMiddleware.
func identity(r *http.Request) model.Identity {
	id, _ := r.Context().Value(identityKey{}).(model.Identity)
	return id
}
