// Package auth implements the bearer/cookie Auth Gate (C5): it classifies
// every inbound request as admin, tenant, or unauthenticated, and exposes
// chi-style middleware that enforces the split.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/unigw/uniproxy/internal/apierr"
)

// Scope is the identity a validated request carries.
type Scope string

const (
	ScopeAdmin  Scope = "admin"
	ScopeTenant Scope = "tenant"
)

type contextKey string

const scopeContextKey contextKey = "auth_scope"

// Gate validates bearer credentials against a configured admin key and set
// of tenant keys.
type Gate struct {
	adminKey   string
	tenantKeys map[string]bool
}

// New builds a Gate. tenantKeys may be empty (no tenant keys configured).
func New(adminKey string, tenantKeys []string) *Gate {
	set := make(map[string]bool, len(tenantKeys))
	for _, k := range tenantKeys {
		if k != "" {
			set[k] = true
		}
	}
	return &Gate{adminKey: adminKey, tenantKeys: set}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}

// Identify classifies the request's bearer credential. ok is false for a
// missing/malformed header or an unrecognized key (both map to
// apierr.Unauthorized at the call site).
func (g *Gate) Identify(r *http.Request) (Scope, bool) {
	tok, ok := bearerToken(r)
	if !ok {
		return "", false
	}
	if tok == g.adminKey {
		return ScopeAdmin, true
	}
	if g.tenantKeys[tok] {
		return ScopeTenant, true
	}
	return "", false
}

// CookieIsAdmin reports whether r carries an auth_key cookie equal to the
// admin key, the alternate admin authentication path for the admin UI.
func (g *Gate) CookieIsAdmin(r *http.Request) bool {
	c, err := r.Cookie("auth_key")
	if err != nil {
		return false
	}
	return c.Value == g.adminKey
}

// ScopeFromContext retrieves the Scope stashed by RequireTenant/RequireAdmin.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeContextKey).(Scope)
	return s, ok
}

// RequireTenant admits admin or tenant bearer credentials (any authenticated
// caller may use the tenant surface).
func (g *Gate) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := g.Identify(r)
		if !ok {
			apierr.WriteOpenAI(w, apierr.New(apierr.Unauthorized, "missing or invalid bearer credential"))
			return
		}
		ctx := context.WithValue(r.Context(), scopeContextKey, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin admits admin bearer credentials or the admin cookie; tenant
// keys are rejected with Forbidden, everything else with Unauthorized.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.CookieIsAdmin(r) {
			ctx := context.WithValue(r.Context(), scopeContextKey, ScopeAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		scope, ok := g.Identify(r)
		if !ok {
			apierr.WriteJSON(w, apierr.New(apierr.Unauthorized, "missing or invalid bearer credential"))
			return
		}
		if scope != ScopeAdmin {
			apierr.WriteJSON(w, apierr.New(apierr.Forbidden, "admin routes require the admin key"))
			return
		}
		ctx := context.WithValue(r.Context(), scopeContextKey, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
