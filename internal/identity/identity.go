// Package identity authenticates callers of the write and read surfaces.
// Agents present write keys; the dashboard presents read/answer keys.
package identity

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Role describes which surface a caller is authorized for.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleDashboard Role = "dashboard"
)

type contextKey int

const roleKey contextKey = iota

// RoleFromContext extracts the authenticated role from the request context.
func RoleFromContext(ctx context.Context) Role {
	if v, ok := ctx.Value(roleKey).(Role); ok {
		return v
	}
	return ""
}

// WithRole returns a context carrying the authenticated role.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// KeyMatches reports whether token equals any of the configured keys,
// comparing in constant time.
func KeyMatches(token string, keys []string) bool {
	if token == "" {
		return false
	}
	matched := false
	for _, key := range keys {
		if len(key) == len(token) &&
			subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			matched = true
		}
	}
	return matched
}

// BearerToken extracts the bearer token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Middleware returns middleware that requires a bearer key from the given
// set and stamps the role into the request context. An empty key set
// disables authentication for that surface (development mode).
func Middleware(role Role, keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
				return
			}

			token := BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				// WebSocket clients can't set headers from browsers;
				// accept the key as a query parameter there.
				token = r.URL.Query().Get("api_key")
			}
			if !KeyMatches(token, keys) {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
		})
	}
}
