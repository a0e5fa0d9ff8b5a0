package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ParameterMap is the flat form of a parsed query: each filter field maps to
// its value with a parallel "<field>_operator" key holding the ION comparator,
// next to the limit/offset/orderby/expand/select directives.
type ParameterMap map[string]any

const (
	ParamLimit   = "limit"
	ParamOffset  = "offset"
	ParamOrderBy = "orderby"
	ParamExpand  = "expand"
	ParamSelect  = "select"

	operatorSuffix = "_operator"
)

var directiveKeys = map[string]bool{
	ParamLimit: true, ParamOffset: true, ParamOrderBy: true, ParamExpand: true, ParamSelect: true,
}

// Directives are the non-filter parts of a query. Zero Limit means no limit.
type Directives struct {
	Limit   int
	Offset  int
	OrderBy []string
	Expand  []string
	Select  []string
}

// A clause keyword only starts the tail when followed by its argument, so
// fields named Limit or Offset stay in the WHERE clause.
var (
	tailRe    = regexp.MustCompile(`(?i)\b(?:ORDER\s+BY\s+[^\s=<>!]|LIMIT\s+\d|OFFSET\s+\d)`)
	whereRe   = regexp.MustCompile(`(?i)\bWHERE\b`)
	selectRe  = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+\S+`)
	limitRe   = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	offsetRe  = regexp.MustCompile(`(?i)\bOFFSET\s+(\d+)`)
	orderRe   = regexp.MustCompile(`(?is)\bORDER\s+BY\s+(.+?)\s*(?:\bLIMIT\s+\d|\bOFFSET\s+\d|$)`)
	expandRe  = regexp.MustCompile(`(?i)(?:^|\s)\$?expand\s*=?\s*([A-Za-z0-9_/]+(?:\s*,\s*[A-Za-z0-9_/]+)*)`)
	orderTerm = regexp.MustCompile(`(?i)^(\S+)(?:\s+(ASC|DESC))?$`)
)

// ParseSQL parses a full query (optionally starting with SELECT ... FROM ...
// WHERE) into a ParameterMap. A field that appears twice keeps its last value.
func ParseSQL(query string) ParameterMap {
	params, conds, _ := parseStatement(query)
	for _, c := range conds {
		if c.Operator == OpBetween {
			params[c.Field] = []any{c.Value, c.Value2}
		} else {
			params[c.Field] = c.Value
		}
		params[c.Field+operatorSuffix] = c.IONOperator()
	}
	return params
}

// ParseQuery reads the same syntax as ParseSQL but keeps the conditions in
// query order and reports dropped fragments.
func ParseQuery(query string) ([]Condition, Directives, []Warning) {
	params, conds, warns := parseStatement(query)
	_, d, _ := FromParams(params)
	return conds, d, warns
}

// parseStatement returns the directive keys of query as a ParameterMap plus
// the parsed WHERE conditions.
func parseStatement(query string) (ParameterMap, []Condition, []Warning) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	params := ParameterMap{}
	if q == "" {
		return params, nil, nil
	}
	masked := maskQuoted(q)

	head, tail := q, ""
	if loc := tailRe.FindStringIndex(masked); loc != nil {
		head, tail = q[:loc[0]], q[loc[0]:]
	}
	maskedHead := masked[:len(head)]

	where := head
	if loc := whereRe.FindStringIndex(maskedHead); loc != nil {
		where = head[loc[1]:]
		head = head[:loc[0]]
	} else if selectRe.MatchString(maskedHead) {
		where = ""
	}
	if m := selectRe.FindStringSubmatch(head); m != nil {
		if cols := splitNames(m[1]); len(cols) > 0 && cols[0] != "*" {
			params[ParamSelect] = strings.Join(cols, ",")
		}
	}

	if tail != "" {
		if m := expandRe.FindStringSubmatchIndex(tail); m != nil {
			params[ParamExpand] = strings.Join(splitNames(tail[m[2]:m[3]]), ",")
			tail = tail[:m[0]] + " " + tail[m[1]:]
		}
		if m := limitRe.FindStringSubmatch(tail); m != nil {
			n, _ := strconv.Atoi(m[1])
			params[ParamLimit] = n
		}
		if m := offsetRe.FindStringSubmatch(tail); m != nil {
			n, _ := strconv.Atoi(m[1])
			params[ParamOffset] = n
		}
		if m := orderRe.FindStringSubmatch(tail); m != nil {
			if terms := orderTerms(m[1]); len(terms) > 0 {
				params[ParamOrderBy] = strings.Join(terms, ",")
			}
		}
	}

	conds, directives, warns := parseWhere(where)
	for name, val := range directives {
		switch name {
		case "expand", "$expand":
			params[ParamExpand] = strings.Join(splitNames(val), ",")
		case "$select":
			params[ParamSelect] = strings.Join(splitNames(val), ",")
		}
	}
	return params, conds, warns
}

// FromParams rebuilds conditions and directives from a ParameterMap, either one
// produced by ParseSQL or one decoded from JSON. Keys are visited in sorted
// order so the result is deterministic.
func FromParams(p ParameterMap) ([]Condition, Directives, []Warning) {
	var (
		conds []Condition
		warns []Warning
		d     Directives
	)
	d.Limit = toInt(p[ParamLimit])
	d.Offset = toInt(p[ParamOffset])
	d.OrderBy = toNames(p[ParamOrderBy])
	d.Expand = toNames(p[ParamExpand])
	d.Select = toNames(p[ParamSelect])

	keys := make([]string, 0, len(p))
	for k := range p {
		if directiveKeys[k] || strings.HasSuffix(k, operatorSuffix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		c, reason := paramCondition(field, p[field], p[field+operatorSuffix])
		if reason != "" {
			warns = append(warns, Warning{Fragment: field, Reason: reason})
			continue
		}
		conds = append(conds, c)
	}
	return conds, d, warns
}

func paramCondition(field string, raw, opRaw any) (Condition, string) {
	list, isList := toList(raw)
	var op Operator
	if name, ok := opRaw.(string); ok && name != "" {
		o, known := OperatorFromION(strings.ToLower(name))
		if !known {
			return Condition{}, "unknown operator " + name
		}
		op = o
	} else {
		switch {
		case isList:
			op = OpIn
		case raw == nil:
			op = OpIsNull
		default:
			op = OpEq
		}
	}

	c := Condition{Field: field, Operator: op}
	switch op {
	case OpIsNull, OpIsNotNull:
	case OpIn:
		if !isList {
			list = []any{raw}
		}
		vals := make([]string, 0, len(list))
		for _, v := range list {
			vals = append(vals, fmt.Sprint(normScalar(v)))
		}
		if len(vals) == 0 {
			return Condition{}, "empty IN list"
		}
		c.Value = vals
	case OpBetween:
		if len(list) != 2 {
			return Condition{}, "BETWEEN needs two bounds"
		}
		c.Value, c.Value2 = normScalar(list[0]), normScalar(list[1])
	default:
		if isList || raw == nil {
			return Condition{}, "operator needs a single value"
		}
		c.Value = normScalar(raw)
	}
	return c, ""
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func normScalar(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		i, _ := t.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(t))
		return i
	}
	return 0
}

func toNames(v any) []string {
	switch t := v.(type) {
	case string:
		return splitNames(t)
	case []string:
		return splitNames(strings.Join(t, ","))
	case []any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			parts = append(parts, fmt.Sprint(x))
		}
		return splitNames(strings.Join(parts, ","))
	}
	return nil
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orderTerms(s string) []string {
	var out []string
	for _, term := range splitNames(s) {
		m := orderTerm.FindStringSubmatch(term)
		if m == nil {
			continue
		}
		if m[2] != "" {
			out = append(out, m[1]+" "+strings.ToLower(m[2]))
		} else {
			out = append(out, m[1])
		}
	}
	return out
}

// maskQuoted blanks the inside of quoted literals so keyword searches only see
// query structure. The result has the same byte length as s.
func maskQuoted(s string) string {
	b := []byte(s)
	var quote byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(b) && b[i+1] == quote {
					b[i], b[i+1] = ' ', ' '
					i++
					continue
				}
				quote = 0
				continue
			}
			b[i] = ' '
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
		}
	}
	return string(b)
}
