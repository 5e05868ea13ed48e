package docstore

import (
	"encoding/json"
	"sort"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	Eq            Op = "=="
	NotEq         Op = "!="
	Gt            Op = ">"
	Gte           Op = ">="
	Lt            Op = "<"
	Lte           Op = "<="
	ArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose field satisfies Op Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Collection starts a query over a collection.
func Collection(name string) Query {
	return Query{Collection: name}
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Order returns a copy of q ordered by field.
func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

// Matches reports whether data satisfies every filter. A missing field
// fails every operator except !=.
func (q Query) Matches(data map[string]any) bool {
	for _, f := range q.Filters {
		v, ok := Lookup(data, f.Field)
		switch f.Op {
		case NotEq:
			if ok && equal(v, f.Value) {
				return false
			}
			continue
		case ArrayContains:
			arr, isArr := asSlice(v)
			if !ok || !isArr || !containsValue(arr, f.Value) {
				return false
			}
			continue
		}
		if !ok {
			return false
		}
		c, comparable := compare(v, f.Value)
		if !comparable {
			return false
		}
		switch f.Op {
		case Eq:
			if c != 0 {
				return false
			}
		case Gt:
			if c <= 0 {
				return false
			}
		case Gte:
			if c < 0 {
				return false
			}
		case Lt:
			if c >= 0 {
				return false
			}
		case Lte:
			if c > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs. Documents missing the order field
// are excluded, as a range-ordered query would do.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if !q.Matches(d.Data) {
			continue
		}
		if q.OrderBy != "" {
			if _, ok := Lookup(d.Data, q.OrderBy); !ok {
				continue
			}
		}
		out = append(out, d)
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := Lookup(out[i].Data, q.OrderBy)
			b, _ := Lookup(out[j].Data, q.OrderBy)
			c, _ := compare(a, b)
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Lookup resolves a dotted field path.
func Lookup(data map[string]any, field string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Number converts any numeric document value to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Int64 converts a numeric document value to int64, truncating fractions.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	f, ok := Number(v)
	return int64(f), ok
}

func compare(a, b any) (int, bool) {
	if fa, ok := Number(a); ok {
		fb, ok := Number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(va, vb), true
	case bool:
		vb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case va == vb:
			return 0, true
		case !va:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compare(a, b)
	return ok && c == 0
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if equal(e, v) {
			return true
		}
	}
	return false
}
