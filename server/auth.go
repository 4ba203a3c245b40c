package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator gates the admin surface behind a bearer token.
type Authenticator struct {
	token string
}

// NewAuthenticator returns nil when no token is configured; a nil
// authenticator leaves the surface open for local operation.
func NewAuthenticator(token string) *Authenticator {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return &Authenticator{token: token}
}

// Middleware rejects requests that do not carry the configured token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := parseBearerToken(r.Header.Get("Authorization"))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) != 1 {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
