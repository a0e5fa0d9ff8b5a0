package protocol

import (
	"encoding/json"
	"sort"
)

type ValueKind uint8

const (
	NullValue ValueKind = iota
	ScalarValue
	ListValue
	MapValue
)

// Value is a normalized response value: null, a scalar (string, bool,
// json.Number, int64 or float64), a list or a map of values.
type Value struct {
	kind   ValueKind
	scalar any
	list   []Value
	fields map[string]Value
}

// Record is one normalized result row.
type Record map[string]Value

func Null() Value { return Value{} }

func Scalar(v any) Value {
	if v == nil {
		return Null()
	}
	return Value{kind: ScalarValue, scalar: v}
}

func List(vs ...Value) Value { return Value{kind: ListValue, list: vs} }

func Map(m map[string]Value) Value { return Value{kind: MapValue, fields: m} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == NullValue }

// Scalar returns the scalar payload, or nil for other kinds.
func (v Value) Scalar() any { return v.scalar }

func (v Value) List() []Value { return v.list }

func (v Value) Map() map[string]Value { return v.fields }

// FromAny converts a decoded JSON tree into a Value.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return List(out...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Map(m)
	default:
		return Scalar(t)
	}
}

// ToAny converts v back into plain Go values suitable for encoding.
func (v Value) ToAny() any {
	switch v.kind {
	case ScalarValue:
		return v.scalar
	case ListValue:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case MapValue:
		out := make(map[string]any, len(v.fields))
		for k, e := range v.fields {
			out[k] = e.ToAny()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) { return json.Marshal(v.ToAny()) }

func (v *Value) UnmarshalJSON(b []byte) error {
	var x any
	if err := json.Unmarshal(b, &x); err != nil {
		return err
	}
	*v = FromAny(x)
	return nil
}

// RecordFromAny turns a JSON object into a Record; anything else is wrapped as
// {"value": x}.
func RecordFromAny(x any) Record {
	if m, ok := x.(map[string]any); ok {
		r := make(Record, len(m))
		for k, e := range m {
			r[k] = FromAny(e)
		}
		return r
	}
	return Record{"value": FromAny(x)}
}

// Keys returns the field names of r in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Record) ToMap() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.ToAny()
	}
	return out
}
