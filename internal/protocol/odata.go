package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"

	"querygate/internal/filter"
	"querygate/pkg/problems"
)

// ODataTranslator talks to OData v4 services. limit/offset are applied by the
// caller after the full result is retrieved, so $top/$skip are never sent.
type ODataTranslator struct{}

func NewOData() *ODataTranslator { return &ODataTranslator{} }

func (t *ODataTranslator) Protocol() Protocol { return REST }

// BuildRequest targets {base}/{tenant}/{servicesPath}/odata/{service}/{entity}.
func (t *ODataTranslator) BuildRequest(cfg QueryConfig, authorization string) (Request, error) {
	q, err := ODataQuery(cfg)
	if err != nil {
		return Request{}, err
	}
	u := joinURL(cfg.BaseURL, url.PathEscape(cfg.Tenant), cfg.ServicesPath, "odata",
		url.PathEscape(cfg.ODataService), url.PathEscape(cfg.EntityName))
	if q != "" {
		u += "?" + q
	}
	h := http.Header{}
	h.Set("Authorization", authorization)
	h.Set("Accept", "application/json")
	h.Set("OData-Version", "4.0")
	h.Set("OData-MaxVersion", "4.0")
	if cfg.CompanyCode != "" {
		h.Set("X-Infor-LnCompany", cfg.CompanyCode)
	}
	if cfg.Identity != "" {
		h.Set("X-Infor-LnIdentity", cfg.Identity)
	}
	return Request{Method: http.MethodGet, URL: u, Header: h}, nil
}

// ODataQuery renders the $filter, $expand, $select and $orderby options of cfg.
func ODataQuery(cfg QueryConfig) (string, error) {
	var parts []string
	add := func(name, value string) {
		if value != "" {
			parts = append(parts, name+"="+queryEscape(value))
		}
	}
	expr, err := FilterExpression(cfg.Filters)
	if err != nil {
		return "", err
	}
	add("$filter", expr)
	add("$expand", strings.Join(cfg.Expand, ","))
	add("$select", strings.Join(cfg.Select, ","))
	add("$orderby", strings.Join(cfg.OrderBy, ","))
	return strings.Join(parts, "&"), nil
}

// queryEscape percent-encodes v, using %20 for spaces.
func queryEscape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// FilterExpression joins filters with "and".
func FilterExpression(filters []filter.IONFilter) (string, error) {
	terms := make([]string, 0, len(filters))
	for _, f := range filters {
		term, err := filterTerm(f)
		if err != nil {
			return "", err
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " and "), nil
}

func filterTerm(f filter.IONFilter) (string, error) {
	switch f.IONOperator {
	case "eq", "ne", "gt", "lt", "ge", "le":
		return fmt.Sprintf("%s %s %s", f.Field, f.IONOperator, odataLiteral(f.Value)), nil
	case "like":
		return likeTerm(f.Field, plainText(f.Value)), nil
	case "in":
		vals := listValues(f.Value)
		if len(vals) == 0 {
			break
		}
		terms := make([]string, len(vals))
		for i, v := range vals {
			terms[i] = fmt.Sprintf("%s eq %s", f.Field, odataLiteral(v))
		}
		if len(terms) == 1 {
			return terms[0], nil
		}
		return "(" + strings.Join(terms, " or ") + ")", nil
	case "between":
		return fmt.Sprintf("(%s ge %s and %s le %s)", f.Field, odataLiteral(f.Value), f.Field, odataLiteral(f.Value2)), nil
	case "isnull":
		return f.Field + " eq null", nil
	case "isnotnull":
		return f.Field + " ne null", nil
	}
	return "", problems.New(problems.KindInvalidRequest, "odata.filter",
		fmt.Sprintf("field %s: cannot express operator %q", f.Field, f.IONOperator))
}

// likeTerm maps a SQL LIKE pattern with leading/trailing % onto the OData
// string functions. Patterns without % compare for equality.
func likeTerm(field, pattern string) string {
	lead := strings.HasPrefix(pattern, "%")
	trail := strings.HasSuffix(pattern, "%") && len(pattern) > 1
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "%"), "%")
	lit := odataLiteral(core)
	switch {
	case lead && trail:
		return fmt.Sprintf("contains(%s,%s)", field, lit)
	case trail:
		return fmt.Sprintf("startswith(%s,%s)", field, lit)
	case lead:
		return fmt.Sprintf("endswith(%s,%s)", field, lit)
	}
	return fmt.Sprintf("%s eq %s", field, lit)
}

func odataLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(t)
	case int64, int, int32, float64, float32, json.Number:
		return plainText(t)
	}
	return odataLiteral(fmt.Sprint(v))
}

// ParseResponse accepts {"value": [...]}, a bare array, the v2 {"d": {"results":
// [...]}} shape, or whatever cfg.RecordsPath selects. Other shapes yield no
// records.
func (t *ODataTranslator) ParseResponse(cfg QueryConfig, status int, _ http.Header, body []byte) ([]Record, error) {
	const op = "odata.response"
	if status < 200 || status >= 300 {
		e := problems.Remote(problems.KindUpstream, op, status, string(body))
		if msg := odataErrorMessage(body); msg != "" {
			e.Message = msg
		}
		return nil, e
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return []Record{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, problems.Wrap(problems.KindMalformedResponse, op, "response is not valid JSON", err)
	}

	var rows any
	if cfg.RecordsPath != "" {
		sel, err := jmespath.Search(cfg.RecordsPath, doc)
		if err != nil {
			return nil, problems.Wrap(problems.KindInvalidRequest, op, "invalid records path", err)
		}
		rows = sel
	} else {
		rows = recordArray(doc)
	}

	arr, ok := rows.([]any)
	if !ok {
		return []Record{}, nil
	}
	out := make([]Record, 0, len(arr))
	for _, x := range arr {
		out = append(out, RecordFromAny(x))
	}
	return out, nil
}

func recordArray(doc any) any {
	switch t := doc.(type) {
	case []any:
		return t
	case map[string]any:
		if v, ok := t["value"].([]any); ok {
			return v
		}
		if d, ok := t["d"].(map[string]any); ok {
			return d["results"]
		}
	}
	return nil
}

func odataErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	return e.Error.Message
}

// plainText renders a filter value without quoting.
func plainText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return fmt.Sprint(v)
}

// listValues returns the members of an IN value.
func listValues(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []any{v}
}
