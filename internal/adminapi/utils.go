package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"querygate/pkg/problems"
)

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with a problem document derived from err's kind.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := problems.KindOf(err)
	status := problems.HTTPStatus(kind)
	detail := "internal error"
	var pe *problems.Error
	if errors.As(err, &pe) && kind != problems.KindInternal {
		detail = pe.Message
	}
	if status >= 500 {
		a.log.Errorw("admin request failed", "path", r.URL.Path, "err", err)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(problems.Slug(kind)),
		"title":  problems.Code(kind),
		"status": status,
		"detail": detail,
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return problems.Wrap(problems.KindInvalidRequest, "adminapi.decode", "invalid JSON body: "+err.Error(), err)
	}
	return nil
}
