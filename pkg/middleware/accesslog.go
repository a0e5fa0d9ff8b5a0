package middleware

import (
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AccessLog logs one line per request with its status and latency. A second
// WriteHeader from a handler is dropped and logged with a stack trace.
func AccessLog(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, log: log, method: r.Method, path: r.URL.Path}
			next.ServeHTTP(sw, r)
			code := sw.code
			if code == 0 {
				code = http.StatusOK
			}
			log.Infow("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", code,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFrom(r.Context()),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	log    *zap.SugaredLogger
	wrote  int32
	method string
	path   string
	code   int
}

func (s *statusWriter) WriteHeader(code int) {
	if atomic.CompareAndSwapInt32(&s.wrote, 0, 1) {
		s.code = code
		s.ResponseWriter.WriteHeader(code)
		return
	}
	s.log.Warnw("double WriteHeader", "method", s.method, "path", s.path, "first", s.code, "second", code, "stack", string(debug.Stack()))
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if atomic.LoadInt32(&s.wrote) == 0 {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
