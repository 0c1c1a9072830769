package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuthenticator validates admin access against a configured key set.
// Keys starting with "$2" are bcrypt hashes; everything else is compared
// directly in constant time.
type APIKeyAuthenticator struct {
	plain  []string
	hashed []string
}

// NewAPIKeyAuthenticator creates an authenticator from the configured keys.
func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, k := range keys {
		if strings.HasPrefix(k, "$2") {
			a.hashed = append(a.hashed, k)
		} else {
			a.plain = append(a.plain, k)
		}
	}
	return a
}

// Authenticate reports whether the request carries a valid admin key, read
// from the X-API-Key header or a Bearer token.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			key = token
		}
	}
	if key == "" {
		return false
	}

	for _, k := range a.plain {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	for _, h := range a.hashed {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// RequireAdmin creates middleware that enforces admin authentication.
func RequireAdmin(auth *APIKeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Authenticate(r) {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
