package remote

import (
	"encoding/json"
	"math"
	"strings"
)

// Fields is the body of a document. Values are JSON-like: strings, bools,
// numbers, []any, map[string]any and nil.
type Fields map[string]any

// Doc is one document as returned by a read or carried in a snapshot.
type Doc struct {
	Path string
	ID   string
	Data Fields
}

// Lookup resolves a dotted field path such as "lastMessage.timestamp".
func (f Fields) Lookup(path string) (any, bool) {
	var cur any = map[string]any(f)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
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

// Has reports whether the dotted path is present.
func (f Fields) Has(path string) bool {
	_, ok := f.Lookup(path)
	return ok
}

func (f Fields) String(path string) string {
	v, _ := f.Lookup(path)
	s, _ := v.(string)
	return s
}

func (f Fields) Bool(path string) bool {
	v, _ := f.Lookup(path)
	b, _ := v.(bool)
	return b
}

// Int64 returns the numeric value at path. Numbers decoded from JSON arrive as
// float64 or json.Number; both are accepted.
func (f Fields) Int64(path string) int64 {
	v, _ := f.Lookup(path)
	n, _ := toInt64(v)
	return n
}

// Strings returns the string elements of the array at path.
func (f Fields) Strings(path string) []string {
	v, _ := f.Lookup(path)
	switch arr := v.(type) {
	case []string:
		return append([]string(nil), arr...)
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns the nested object at path.
func (f Fields) Map(path string) Fields {
	v, _ := f.Lookup(path)
	m, _ := asMap(v)
	return Fields(m)
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return Fields(cloneValue(map[string]any(f)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Fields:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return map[string]any(m), true
	}
	return nil, false
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

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
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
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(math.Round(f)), true
}
