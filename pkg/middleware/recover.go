// pkg/middleware/recover.go
package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"querygate/pkg/problems"
)

func Recover(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorw("panic", "err", rec, "request_id", RequestIDFrom(r.Context()), "stack", string(debug.Stack()))
					w.Header().Set("Content-Type", "application/problem+json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"type":   problems.Type(problems.Slug(problems.KindInternal)),
						"title":  "Internal error",
						"status": http.StatusInternalServerError,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
