package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth rejects requests without "Authorization: Bearer <token>" (401)
// and requests carrying the wrong token (403).
func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.Fields(r.Header.Get("Authorization"))
			if len(parts) == 0 {
				unauthorized(w, "missing Authorization header")
				return
			}
			switch {
			case !strings.EqualFold(parts[0], "bearer"):
				unauthorized(w, "Authorization header must start with Bearer")
				return
			case len(parts) == 1:
				unauthorized(w, "bearer token not found")
				return
			case len(parts) > 2:
				unauthorized(w, "Authorization header must be a single bearer token")
				return
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(parts[1]), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusForbidden, "forbidden", "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized", msg)
}
