package filter

import (
	"regexp"
	"strconv"
	"strings"
)

// Reserved OData control parameters. Fragments naming one of these are
// directives, not filters.
var reserved = map[string]bool{
	"expand":   true,
	"$expand":  true,
	"$select":  true,
	"$filter":  true,
	"$orderby": true,
	"$top":     true,
	"$skip":    true,
}

type matcher struct {
	name  string
	re    *regexp.Regexp
	build func(m []string) (Condition, string)
}

// fieldPattern is a bare identifier or a double-quoted name. Patterns run against
// the masked fragment, so quoted literals never supply keywords.
const fieldPattern = `("[^"]*"|[^\s'"=<>!]+)`

// Evaluated in order; the first pattern that matches a fragment wins.
var matchers = []matcher{
	{"is not null", regexp.MustCompile(`(?is)^` + fieldPattern + `\s+IS\s+NOT\s+NULL$`), func(m []string) (Condition, string) {
		return Condition{Field: cleanField(m[1]), Operator: OpIsNotNull}, ""
	}},
	{"is null", regexp.MustCompile(`(?is)^` + fieldPattern + `\s+IS\s+NULL$`), func(m []string) (Condition, string) {
		return Condition{Field: cleanField(m[1]), Operator: OpIsNull}, ""
	}},
	{"between", regexp.MustCompile(`(?is)^` + fieldPattern + `\s+BETWEEN\s+(.+?)\s+AND\s+(.+)$`), buildBetween},
	{"like", regexp.MustCompile(`(?is)^` + fieldPattern + `\s+LIKE\s+(.+)$`), func(m []string) (Condition, string) {
		v, _ := unquote(strings.TrimSpace(m[2]))
		if v == "" {
			return Condition{}, "empty LIKE pattern"
		}
		return Condition{Field: cleanField(m[1]), Operator: OpLike, Value: v}, ""
	}},
	{"in", regexp.MustCompile(`(?is)^` + fieldPattern + `\s+IN\s*\((.*)\)$`), func(m []string) (Condition, string) {
		vals := splitList(m[2])
		if len(vals) == 0 {
			return Condition{}, "empty IN list"
		}
		return Condition{Field: cleanField(m[1]), Operator: OpIn, Value: vals}, ""
	}},
	{"comparison", regexp.MustCompile(`(?s)^` + fieldPattern + `\s*(>=|<=|<>|!=|=|>|<)\s*(.*)$`), buildComparison},
}

var comparators = map[string]Operator{
	"=":  OpEq,
	"<>": OpNe,
	"!=": OpNe,
	">":  OpGt,
	"<":  OpLt,
	">=": OpGe,
	"<=": OpLe,
}

func buildComparison(m []string) (Condition, string) {
	field, op := cleanField(m[1]), comparators[m[2]]
	raw := strings.TrimSpace(m[3])
	if raw == "" {
		return Condition{}, "missing value"
	}
	if strings.EqualFold(raw, "null") {
		switch op {
		case OpEq:
			return Condition{Field: field, Operator: OpIsNull}, ""
		case OpNe:
			return Condition{Field: field, Operator: OpIsNotNull}, ""
		}
		return Condition{}, "NULL only compares with = or <>"
	}
	return Condition{Field: field, Operator: op, Value: scalar(raw)}, ""
}

func buildBetween(m []string) (Condition, string) {
	lo, hi := scalar(strings.TrimSpace(m[2])), scalar(strings.TrimSpace(m[3]))
	if isEmpty(lo) || isEmpty(hi) {
		return Condition{}, "BETWEEN needs two bounds"
	}
	if isNumber(lo) != isNumber(hi) {
		return Condition{}, "BETWEEN bounds are not comparable"
	}
	return Condition{Field: cleanField(m[1]), Operator: OpBetween, Value: lo, Value2: hi}, ""
}

// Parse returns the conditions of a WHERE clause, dropping anything it cannot
// understand.
func Parse(where string) []Condition {
	conds, _, _ := parseWhere(where)
	return conds
}

// ParseWithWarnings is Parse plus a report of every dropped fragment.
// Reserved directives are not reported.
func ParseWithWarnings(where string) ([]Condition, []Warning) {
	conds, _, warns := parseWhere(where)
	return conds, warns
}

func parseWhere(where string) ([]Condition, map[string]string, []Warning) {
	conds := []Condition{}
	directives := map[string]string{}
	var warns []Warning
	for _, frag := range splitFragments(where) {
		if name, val, ok := directive(frag); ok {
			directives[name] = val
			continue
		}
		c, reason := matchFragment(frag)
		if reason != "" {
			warns = append(warns, Warning{Fragment: frag, Reason: reason})
			continue
		}
		conds = append(conds, c)
	}
	return conds, directives, warns
}

func matchFragment(frag string) (Condition, string) {
	masked := maskQuoted(frag)
	for _, mt := range matchers {
		loc := mt.re.FindStringSubmatchIndex(masked)
		if loc == nil {
			continue
		}
		m := make([]string, len(loc)/2)
		for i := range m {
			if loc[2*i] >= 0 {
				m[i] = frag[loc[2*i]:loc[2*i+1]]
			}
		}
		c, reason := mt.build(m)
		if reason == "" && c.Field == "" {
			reason = "missing field name"
		}
		return c, reason
	}
	return Condition{}, "no operator matched"
}

var directiveRe = regexp.MustCompile(`(?s)^(\$?[A-Za-z]+)(?:\s*=\s*|\s+|$)(.*)$`)

// directive reports whether frag names a reserved control parameter and
// returns its lowercased name and trimmed value.
func directive(frag string) (string, string, bool) {
	m := directiveRe.FindStringSubmatch(frag)
	if m == nil {
		return "", "", false
	}
	name := strings.ToLower(m[1])
	if !reserved[name] {
		return "", "", false
	}
	val, _ := unquote(strings.TrimSpace(m[2]))
	return name, val, true
}

// splitFragments splits on top-level AND/OR, ignoring keywords inside quotes or
// parentheses and the AND that belongs to a BETWEEN.
func splitFragments(s string) []string {
	var (
		out         []string
		start       int
		quote       byte
		depth       int
		betweenOpen bool
	)
	for i := 0; i < len(s); {
		c := s[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(s) && s[i+1] == quote {
					i += 2
					continue
				}
				quote = 0
			}
			i++
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			i++
			continue
		case '(':
			depth++
			i++
			continue
		case ')':
			if depth > 0 {
				depth--
			}
			i++
			continue
		}
		if isWordChar(c) && (i == 0 || !isWordChar(s[i-1])) {
			j := i
			for j < len(s) && isWordChar(s[j]) {
				j++
			}
			if depth == 0 {
				switch strings.ToUpper(s[i:j]) {
				case "BETWEEN":
					betweenOpen = true
				case "AND":
					if betweenOpen {
						betweenOpen = false
						break
					}
					out = append(out, s[start:i])
					start = j
				case "OR":
					out = append(out, s[start:i])
					start = j
					betweenOpen = false
				}
			}
			i = j
			continue
		}
		i++
	}
	out = append(out, s[start:])

	frags := out[:0]
	for _, f := range out {
		if f = strings.TrimSpace(f); f != "" {
			frags = append(frags, f)
		}
	}
	return frags
}

func isWordChar(c byte) bool {
	return c == '_' || c == '$' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// splitList splits the inside of an IN (...) on commas outside quotes.
func splitList(s string) []string {
	var (
		vals  []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if v, _ := unquote(strings.TrimSpace(cur.String())); v != "" {
			vals = append(vals, v)
		}
		cur.Reset()
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				if i+1 < len(s) && s[i+1] == quote {
					cur.WriteByte(c)
					i++
				} else {
					quote = 0
				}
			}
			cur.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ',':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return vals
}

func cleanField(f string) string {
	f = strings.TrimSpace(f)
	f = strings.Trim(f, "`\"")
	return strings.TrimSuffix(strings.TrimPrefix(f, "["), "]")
}

// unquote strips one level of matching single or double quotes and collapses
// doubled quote escapes. quoted reports whether quotes were present.
func unquote(v string) (s string, quoted bool) {
	if len(v) >= 2 {
		q := v[0]
		if (q == '\'' || q == '"') && v[len(v)-1] == q {
			inner := v[1 : len(v)-1]
			return strings.ReplaceAll(inner, string([]byte{q, q}), string(q)), true
		}
	}
	return v, false
}

var numericRe = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// scalar unquotes v and converts it to int64 or float64 when the whole value
// is numeric.
func scalar(v string) any {
	s, _ := unquote(v)
	t := strings.TrimSpace(s)
	if !numericRe.MatchString(t) {
		return s
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return s
}

func isEmpty(v any) bool {
	s, ok := v.(string)
	return ok && s == ""
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}
