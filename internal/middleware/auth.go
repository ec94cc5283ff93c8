// Package middleware carries the HTTP middleware that is specific to this
// server. Authentication itself happens upstream (a reverse proxy or
// identity-aware gateway); this layer only trusts and parses the identity
// headers that proxy injects.
package middleware

import (
	"context"
	"net/http"

	"github.com/gamgui/gamgui/internal/config"
)

// Principal is the authenticated caller identity for one request.
type Principal struct {
	ID   string
	Role string
}

// Admin reports whether the principal has the administrator role.
func (p Principal) Admin() bool { return p.Role == "admin" }

type contextKey struct{}

const (
	headerPrincipal = "X-Auth-Principal"
	headerRole      = "X-Auth-Role"
)

// RequirePrincipal extracts the caller identity from the trusted proxy
// headers and rejects requests without one. With auth disabled every
// request runs as the configured default principal with admin role, which
// only makes sense for local development.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Principal

		if config.Cfg.AuthDisabled {
			p = Principal{ID: config.Cfg.DefaultPrincipal, Role: "admin"}
		} else {
			p.ID = r.Header.Get(headerPrincipal)
			if p.ID == "" {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			p.Role = r.Header.Get(headerRole)
			if p.Role == "" {
				p.Role = "user"
			}
		}

		ctx := context.WithValue(r.Context(), contextKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFrom returns the request principal placed by RequirePrincipal.
func PrincipalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(contextKey{}).(Principal)
	return p
}

// RequireAdmin gates admin-only endpoints; must run after RequirePrincipal.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !PrincipalFrom(r.Context()).Admin() {
			http.Error(w, "administrator role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
