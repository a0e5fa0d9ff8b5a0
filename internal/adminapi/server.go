package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"querygate/pkg/middleware"
)

// Handler builds the HTTP handler with routes and middleware.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID(), chimw.RealIP, middleware.AccessLog(a.log), middleware.Recover(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(cors(a.cfg.CORSOrigins))
		ar.Use(a.adminAuth)
		ar.Post("/identities", a.postIdentity)
		ar.Get("/tenants", a.listTenants)
		ar.Route("/tenants/{tenant}", func(tr chi.Router) {
			tr.Get("/credentials", a.getCredentials)
			tr.Put("/credentials", a.putCredentials)
			tr.Patch("/credentials", a.patchCredentials)
			tr.Delete("/credentials", a.deleteCredentials)
			tr.Post("/token/revoke", a.revokeToken)
		})
	})

	return r
}
