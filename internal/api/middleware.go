package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAdminToken guards the event-management surface with the
// configured admin bearer token. With no token configured the surface
// is disabled entirely.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminToken == "" {
			respondError(w, http.StatusForbidden, "admin_disabled", "no admin token configured")
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
