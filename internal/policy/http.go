package policy

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"querygate/pkg/middleware"
	"querygate/pkg/problems"
)

// RegisterHTTP mounts the dry-run endpoint for the query guard.
// POST /v1/tenants/{tenant}/query/preflight  body: { table, protocol, action, fields }
func RegisterHTTP(r chi.Router, g *Guard) {
	r.Post("/v1/tenants/{tenant}/query/preflight", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		var in Input
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"type":   problems.Type("invalid-request"),
				"title":  "Invalid JSON body",
				"detail": err.Error(),
			})
			return
		}
		in.Tenant = chi.URLParam(req, "tenant")
		in.Subject = middleware.ActorSub(ctx)
		in.Scopes = middleware.ScopesFrom(ctx)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.Evaluate(ctx, in))
	})
}
