// pkg/middleware/tracing.go
package middleware

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

var (
	traceOnce    sync.Once
	instrumented bool
)

// InitTracing installs an OTLP tracer provider when
// OTEL_EXPORTER_OTLP_(TRACES_)ENDPOINT is set and reports whether it did.
// Only the first call has any effect.
func InitTracing(service string, log *zap.SugaredLogger) bool {
	traceOnce.Do(func() {
		endpoint := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			return
		}
		opts := []otlptracehttp.Option{}
		if strings.HasPrefix(strings.ToLower(endpoint), "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			log.Warnw("tracing: exporter init failed, instrumentation disabled", "err", err)
			return
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(service)))
		if err != nil {
			log.Warnw("tracing: resource init failed", "err", err)
			return
		}
		otel.SetTracerProvider(trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res)))
		instrumented = true
	})
	return instrumented
}

// Tracing wraps handlers with otelhttp once InitTracing succeeded and is a
// pass-through otherwise.
func Tracing(service string, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	if !InitTracing(service, log) {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler { return otelhttp.NewHandler(next, service) }
}
