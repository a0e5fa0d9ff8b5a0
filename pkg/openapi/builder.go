package openapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Operation represents a single HTTP operation to surface in OpenAPI.
type Operation struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Scopes      []string       `json:"x-required-scopes,omitempty"`
	Parameters  []any          `json:"parameters,omitempty"`
	RequestBody any            `json:"requestBody,omitempty"`
	Responses   map[string]any `json:"responses"`
}

// Registry holds registered operations and named component schemas.
type Registry struct {
	Ops     []Operation
	Schemas map[string]any
	Scopes  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{Ops: []Operation{}, Schemas: map[string]any{}, Scopes: map[string]string{}}
}

func (r *Registry) Register(op Operation) {
	if op.Method != "" {
		op.Method = strings.ToLower(op.Method)
	}
	r.Ops = append(r.Ops, op)
}

// Schema registers a component schema and returns a $ref to it.
func (r *Registry) Schema(name string, schema any) map[string]any {
	r.Schemas[name] = schema
	return Ref(name)
}

func Ref(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

// JSONBody wraps a schema as an application/json request body or response.
func JSONBody(description string, schema any) map[string]any {
	return map[string]any{
		"description": description,
		"content":     map[string]any{"application/json": map[string]any{"schema": schema}},
	}
}

// PathParam declares a required string path parameter.
func PathParam(name, description string) map[string]any {
	return map[string]any{"name": name, "in": "path", "required": true, "description": description, "schema": map[string]any{"type": "string"}}
}

// Build produces an OpenAPI 3.1 document for the registered operations.
func (r *Registry) Build(serviceName, version string) map[string]any {
	paths := map[string]any{}
	for _, op := range r.Ops {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		m := map[string]any{
			"summary":     op.Summary,
			"description": op.Description,
			"tags":        op.Tags,
			"responses":   op.Responses,
		}
		if len(op.Scopes) > 0 {
			m["x-required-scopes"] = op.Scopes
			m["security"] = []map[string]any{{"bearer": op.Scopes}}
		}
		if len(op.Parameters) > 0 {
			m["parameters"] = op.Parameters
		}
		if op.RequestBody != nil {
			m["requestBody"] = op.RequestBody
		}
		paths[op.Path].(map[string]any)[op.Method] = m
	}
	return map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": serviceName, "version": version},
		"paths":   paths,
		"components": map[string]any{
			"schemas": r.Schemas,
			"securitySchemes": map[string]any{
				"bearer": map[string]any{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
					"x-scopes":     r.Scopes,
				},
			},
		},
	}
}

// ServeHandler returns an HTTP handler that serves the built OpenAPI JSON.
func (r *Registry) ServeHandler(serviceName, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Build(serviceName, version))
	}
}
