package adminapi

import (
	"net/http"
	"strings"

	"querygate/pkg/middleware"
)

// AdminRole must appear in the roles claim of admin bearer tokens.
const AdminRole = "gateway_admin"

// cors returns a middleware that sets CORS headers and handles preflight requests.
// allowed may contain exact origins (e.g., http://localhost:3001) or "*" to allow all.
func cors(allowed []string) func(http.Handler) http.Handler {
	match := func(origin string) (string, bool) {
		if origin == "" {
			return "", false
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || a == origin {
				return a, true
			}
		}
		return "", false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if ao, ok := match(origin); ok {
				w.Header().Set("Access-Control-Allow-Origin", ao)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuth validates admin bearers against the admin JWKS and requires
// AdminRole. Without JWKS the API is open outside production only.
func (a *App) adminAuth(next http.Handler) http.Handler {
	opts := a.authOptions()
	return middleware.JWTAuth(opts)(middleware.RequireRole(AdminRole)(next))
}

func actor(r *http.Request) string {
	if sub := middleware.ActorSub(r.Context()); sub != "" {
		return sub
	}
	if middleware.IsDevPrincipal(r.Context()) {
		return "dev"
	}
	return ""
}
