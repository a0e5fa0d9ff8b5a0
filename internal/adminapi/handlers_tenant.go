package adminapi

import (
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"querygate/pkg/problems"
	"querygate/pkg/tenants"
)

type identityBody struct {
	Tenant    string `json:"tenant"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

func (a *App) postIdentity(w http.ResponseWriter, r *http.Request) {
	var b identityBody
	if err := decode(r, &b); err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, err := a.prov.RegisterIdentity(r.Context(), b.Tenant, b.AccessKey, b.SecretKey)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Infow("admin: identity registered", "tenant", rec.Tenant, "actor", actor(r))
	writeJSON(w, map[string]any{"tenant": rec.Tenant, "access_key": rec.AccessKey}, http.StatusCreated)
}

func (a *App) listTenants(w http.ResponseWriter, r *http.Request) {
	names, err := a.store.List(r.Context())
	if err != nil {
		a.writeError(w, r, problems.Wrap(problems.KindInternal, "adminapi.list", "list tenants", err))
		return
	}
	slices.Sort(names)
	if names == nil {
		names = []string{}
	}
	writeJSON(w, map[string]any{"tenants": names}, http.StatusOK)
}

func (a *App) getCredentials(w http.ResponseWriter, r *http.Request) {
	cred, err := a.store.Get(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, cred.Redacted(), http.StatusOK)
}

func (a *App) putCredentials(w http.ResponseWriter, r *http.Request) {
	var in tenants.Input
	if err := decode(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	in.Tenant = chi.URLParam(r, "tenant")
	cred, err := a.prov.Provision(r.Context(), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Infow("admin: credentials provisioned", "tenant", in.Tenant, "actor", actor(r))
	writeJSON(w, cred, http.StatusOK)
}

func (a *App) patchCredentials(w http.ResponseWriter, r *http.Request) {
	var p tenants.Patch
	if err := decode(r, &p); err != nil {
		a.writeError(w, r, err)
		return
	}
	tenant := chi.URLParam(r, "tenant")
	cred, err := a.prov.PatchCredential(r.Context(), tenant, p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Infow("admin: credentials patched", "tenant", tenant, "actor", actor(r))
	writeJSON(w, cred, http.StatusOK)
}

func (a *App) deleteCredentials(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	err := a.prov.Delete(r.Context(), tenant, force)
	if errors.Is(err, tenants.ErrActiveSession) {
		writeJSON(w, map[string]any{
			"error":   "active_session",
			"message": "tenant has a cached token; revoke it first or retry with ?force=true",
		}, http.StatusConflict)
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Infow("admin: credentials deleted", "tenant", tenant, "forced", force, "actor", actor(r))
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) revokeToken(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if err := a.tokens.Revoke(r.Context(), tenant); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Infow("admin: token revoked", "tenant", tenant, "actor", actor(r))
	writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
}
