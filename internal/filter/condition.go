// Package filter turns SQL-like WHERE clauses into typed filter conditions.
//
// Only flat conjunctions are understood: the clause is split on top-level AND/OR
// keywords and parenthesized grouping is not supported. Fragments that cannot
// be parsed are dropped and reported as warnings; parsing never fails.
package filter

import "fmt"

type Operator string

const (
	OpEq        Operator = "EQ"
	OpNe        Operator = "NE"
	OpGt        Operator = "GT"
	OpLt        Operator = "LT"
	OpGe        Operator = "GE"
	OpLe        Operator = "LE"
	OpLike      Operator = "LIKE"
	OpIn        Operator = "IN"
	OpBetween   Operator = "BETWEEN"
	OpIsNull    Operator = "IS_NULL"
	OpIsNotNull Operator = "IS_NOT_NULL"
)

var ionNames = map[Operator]string{
	OpEq:        "eq",
	OpNe:        "ne",
	OpGt:        "gt",
	OpLt:        "lt",
	OpGe:        "ge",
	OpLe:        "le",
	OpLike:      "like",
	OpIn:        "in",
	OpBetween:   "between",
	OpIsNull:    "isnull",
	OpIsNotNull: "isnotnull",
}

// ION returns the lowercase comparator name used by ION/OData style APIs.
func (o Operator) ION() string { return ionNames[o] }

// OperatorFromION is the inverse of Operator.ION.
func OperatorFromION(name string) (Operator, bool) {
	for op, n := range ionNames {
		if n == name {
			return op, true
		}
	}
	return "", false
}

// Condition is one field/operator/value triple.
//
// Value holds a string, int64 or float64 for scalar operators, a []string for
// IN and nil for IS_NULL/IS_NOT_NULL. Value2 is only set for BETWEEN.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Value2   any      `json:"value2,omitempty"`
}

// IONOperator is a shorthand for c.Operator.ION().
func (c Condition) IONOperator() string { return c.Operator.ION() }

func (c Condition) String() string {
	switch c.Operator {
	case OpBetween:
		return fmt.Sprintf("%s BETWEEN %v AND %v", c.Field, c.Value, c.Value2)
	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s %s", c.Field, c.Operator)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Warning describes a fragment that was dropped while parsing.
type Warning struct {
	Fragment string
	Reason   string
}

func (w Warning) String() string { return fmt.Sprintf("%q: %s", w.Fragment, w.Reason) }

// IONFilter is the wire form of a condition consumed by the protocol translators.
type IONFilter struct {
	Field       string `json:"field"`
	IONOperator string `json:"ionOperator"`
	Value       any    `json:"value"`
	Value2      any    `json:"value2,omitempty"`
}

// GenerateIONFilters converts parsed conditions into IONFilters, preserving order.
func GenerateIONFilters(conds []Condition) []IONFilter {
	out := make([]IONFilter, 0, len(conds))
	for _, c := range conds {
		out = append(out, IONFilter{Field: c.Field, IONOperator: c.IONOperator(), Value: c.Value, Value2: c.Value2})
	}
	return out
}

// Condition converts f back into a Condition. ok is false for unknown operators.
func (f IONFilter) Condition() (Condition, bool) {
	op, ok := OperatorFromION(f.IONOperator)
	if !ok {
		return Condition{}, false
	}
	return Condition{Field: f.Field, Operator: op, Value: f.Value, Value2: f.Value2}, true
}
