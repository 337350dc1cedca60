package remote

import (
	"slices"
	"sort"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

// DocumentID can be used as a filter field to match on the document id.
const DocumentID = "__name__"

// Filter is one where-clause of a query.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of one collection. Queries are values; every
// builder method returns a modified copy.
type Query struct {
	Collection  string
	Filters     []Filter
	OrderField  string
	Descending  bool
	Limit       int
	LimitToLast bool
}

// Collection starts a query over the collection at path.
func Collection(path string) Query {
	return Query{Collection: path}
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clip(q.Filters), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, descending bool) Query {
	q.OrderField = field
	q.Descending = descending
	return q
}

// LimitTo keeps the first n documents in query order.
func (q Query) LimitTo(n int) Query {
	q.Limit = n
	q.LimitToLast = false
	return q
}

// LimitToLastN keeps the last n documents in query order. The result is still
// returned in query order.
func (q Query) LimitToLastN(n int) Query {
	q.Limit = n
	q.LimitToLast = true
	return q
}

// Matches reports whether d satisfies every filter of q.
func (q Query) Matches(d Doc) bool {
	for _, f := range q.Filters {
		var v any
		var ok bool
		if f.Field == DocumentID {
			v, ok = d.ID, true
		} else {
			v, ok = d.Data.Lookup(f.Field)
		}
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !valuesEqual(v, f.Value) {
				return false
			}
		case OpArrayContains:
			arr, isArr := asSlice(v)
			if !isArr || !slices.ContainsFunc(arr, func(e any) bool { return valuesEqual(e, f.Value) }) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs according to q. docs is not modified.
func (q Query) Apply(docs []Doc) []Doc {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderField != "" {
			a, _ := out[i].Data.Lookup(q.OrderField)
			b, _ := out[j].Data.Lookup(q.OrderField)
			if c := compareValues(a, b); c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].Path < out[j].Path
	})
	if q.Limit > 0 && len(out) > q.Limit {
		if q.LimitToLast {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

// compareValues orders nil < bools < numbers < strings.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

func rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := v.(bool); ok {
		return 1
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}
