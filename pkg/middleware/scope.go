// pkg/middleware/scope.go
package middleware

import (
	"context"
	"net/http"
	"slices"
)

// local context key type (unique to this file)
type scopeCtxKey string

const (
	ctxScopesKey scopeCtxKey = "scopes"
)

// WithScopes stores scopes slice in context.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, ctxScopesKey, scopes)
}

// ScopesFrom extracts scopes slice from context.
func ScopesFrom(ctx context.Context) []string {
	if v := ctx.Value(ctxScopesKey); v != nil {
		if s, ok := v.([]string); ok {
			return s
		}
	}
	return nil
}

// RequireScope rejects requests whose verified token lacks scope. It must run
// after JWTAuth; dev principals pass.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return requireClaim(func(ctx context.Context) bool {
		return scope == "" || slices.Contains(ScopesFrom(ctx), scope)
	}, "insufficient_scope")
}

// RequireRole is RequireScope for the "roles" claim.
func RequireRole(role string) func(http.Handler) http.Handler {
	return requireClaim(func(ctx context.Context) bool {
		return role == "" || slices.Contains(RolesFrom(ctx), role)
	}, "insufficient_role")
}

func requireClaim(ok func(context.Context) bool, denial string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if IsDevPrincipal(ctx) {
				next.ServeHTTP(w, r)
				return
			}
			if tokenFromCtx(ctx) == nil {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			if !ok(ctx) {
				http.Error(w, denial, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HasAnyScope returns true if context holds at least one of the required scopes.
func HasAnyScope(ctx context.Context, required []string) bool {
	if len(required) == 0 {
		return true
	}
	curr := ScopesFrom(ctx)
	if len(curr) == 0 {
		return false
	}
	set := map[string]struct{}{}
	for _, s := range curr {
		set[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
