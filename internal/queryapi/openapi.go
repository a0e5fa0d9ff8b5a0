package queryapi

import "querygate/pkg/openapi"

// Document describes the query API.
func Document() *openapi.Registry {
	reg := openapi.NewRegistry()
	reg.Scopes[QueryScope] = "Run read queries against tenant business services"

	str := map[string]any{"type": "string"}
	strs := map[string]any{"type": "array", "items": str}
	intg := map[string]any{"type": "integer", "minimum": 0}

	req := reg.Schema("QueryRequest", map[string]any{
		"type":     "object",
		"required": []string{"protocol"},
		"properties": map[string]any{
			"table":         str,
			"protocol":      map[string]any{"type": "string", "enum": []string{"soap", "rest", "odata"}},
			"action":        map[string]any{"type": "string", "default": "List"},
			"query":         map[string]any{"type": "string", "description": "SELECT ... WHERE ... text or a bare WHERE clause"},
			"params":        map[string]any{"type": "object", "additionalProperties": true},
			"odata_service": str,
			"entity_name":   str,
			"services_path": str,
			"records_path":  map[string]any{"type": "string", "description": "JMESPath selecting the record array of an OData reply"},
			"expand":        strs,
			"select":        strs,
			"order_by":      strs,
			"limit":         intg,
			"offset":        intg,
			"include_raw":   map[string]any{"type": "boolean"},
		},
	})
	errInfo := reg.Schema("ErrorInfo", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":    str,
			"message": str,
			"type":    str,
			"status":  map[string]any{"type": "integer"},
		},
	})
	result := reg.Schema("Result", map[string]any{
		"type":     "object",
		"required": []string{"success", "recordCount", "records", "elapsedMs"},
		"properties": map[string]any{
			"success":     map[string]any{"type": "boolean"},
			"recordCount": map[string]any{"type": "integer"},
			"records":     map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			"rawResponse": str,
			"error":       errInfo,
			"warnings":    strs,
			"elapsedMs":   map[string]any{"type": "integer"},
		},
	})

	failure := openapi.JSONBody("Query failed; error.code carries the reason", result)
	reg.Register(openapi.Operation{
		Method:      "POST",
		Path:        "/v1/tenants/{tenant}/query",
		Summary:     "Run a query against a tenant's SOAP or OData service",
		Tags:        []string{"query"},
		Scopes:      []string{QueryScope},
		Parameters:  []any{openapi.PathParam("tenant", "Tenant name")},
		RequestBody: openapi.JSONBody("Query", req),
		Responses: map[string]any{
			"200": openapi.JSONBody("Records", result),
			"400": failure,
			"401": failure,
			"403": failure,
			"404": failure,
			"502": failure,
			"504": failure,
		},
	})
	reg.Register(openapi.Operation{
		Method:     "POST",
		Path:       "/v1/tenants/{tenant}/query/preflight",
		Summary:    "Evaluate the query policy without calling upstream",
		Tags:       []string{"query"},
		Scopes:     []string{QueryScope},
		Parameters: []any{openapi.PathParam("tenant", "Tenant name")},
		Responses:  map[string]any{"200": map[string]any{"description": "Policy decision"}},
	})
	return reg
}
