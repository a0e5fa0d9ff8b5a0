// Package queryapi is the HTTP surface of the gateway: one query endpoint in
// front of the dispatcher plus health, metrics and the OpenAPI document.
package queryapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"querygate/internal/filter"
	"querygate/internal/gateway"
	"querygate/internal/policy"
	"querygate/pkg/middleware"
	"querygate/pkg/problems"
)

// QueryScope is required on caller tokens when JWT auth is configured.
const QueryScope = "gateway:query"

const maxRequestBytes = 1 << 20

type Executor interface {
	Execute(ctx context.Context, req gateway.Request) gateway.Result
}

// QueryRequest is the JSON body of POST /v1/tenants/{tenant}/query.
type QueryRequest struct {
	Table        string              `json:"table"`
	Protocol     string              `json:"protocol"`
	Action       string              `json:"action,omitempty"`
	Query        string              `json:"query,omitempty"`
	Params       filter.ParameterMap `json:"params,omitempty"`
	ODataService string              `json:"odata_service,omitempty"`
	EntityName   string              `json:"entity_name,omitempty"`
	ServicesPath string              `json:"services_path,omitempty"`
	RecordsPath  string              `json:"records_path,omitempty"`
	Expand       []string            `json:"expand,omitempty"`
	Select       []string            `json:"select,omitempty"`
	OrderBy      []string            `json:"order_by,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	Offset       int                 `json:"offset,omitempty"`
	IncludeRaw   bool                `json:"include_raw,omitempty"`
}

type Options struct {
	Auth     middleware.AuthOptions
	Guard    *policy.Guard // mounts the preflight endpoint when non-nil
	Gatherer prometheus.Gatherer
	Log      *zap.SugaredLogger
}

// Routes mounts the query API on r.
func Routes(r chi.Router, exec Executor, opts Options) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Options("/.well-known/openapi.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	doc := Document()
	r.Get("/.well-known/openapi.json", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		doc.ServeHandler("querygate", "v1")(w, req)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.JWTAuth(opts.Auth))
		pr.Use(middleware.RequireScope(QueryScope))
		pr.Post("/v1/tenants/{tenant}/query", queryHandler(exec, log))
		if opts.Guard != nil {
			policy.RegisterHTTP(pr, opts.Guard)
		}
	})
}

func queryHandler(exec Executor, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var body QueryRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			writeProblem(w, problems.KindInvalidRequest, "Invalid JSON body", err.Error())
			return
		}
		res := exec.Execute(ctx, gateway.Request{
			Tenant:       chi.URLParam(r, "tenant"),
			Table:        body.Table,
			Protocol:     body.Protocol,
			Action:       body.Action,
			Query:        body.Query,
			Params:       body.Params,
			ODataService: body.ODataService,
			EntityName:   body.EntityName,
			ServicesPath: body.ServicesPath,
			RecordsPath:  body.RecordsPath,
			Expand:       body.Expand,
			Select:       body.Select,
			OrderBy:      body.OrderBy,
			Limit:        body.Limit,
			Offset:       body.Offset,
			IncludeRaw:   body.IncludeRaw,
			Subject:      middleware.ActorSub(ctx),
			Scopes:       middleware.ScopesFrom(ctx),
		})
		status := http.StatusOK
		if !res.Success {
			status = problems.HTTPStatus(res.Kind())
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(res); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnw("query: write response", "err", err, "request_id", middleware.RequestIDFrom(ctx))
		}
	}
}

func writeProblem(w http.ResponseWriter, kind problems.Kind, title, detail string) {
	status := problems.HTTPStatus(kind)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(problems.Slug(kind)),
		"title":  title,
		"status": status,
		"detail": detail,
	})
}
