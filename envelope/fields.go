package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fields is a flat name to value record. Datum records and the device
// descriptor share this shape so primary key lookups can fall back from one
// to the other.
type Fields map[string]any

// Value returns the value stored under key when it is present and non-nil.
func (f Fields) Value(key string) (any, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Float returns the value under key as a float64. Numeric strings are accepted.
func (f Fields) Float(key string) (float64, bool) {
	v, ok := f.Value(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// String returns the value under key as a string. Numbers are formatted,
// time.Time values are rendered as RFC 3339.
func (f Fields) String(key string) (string, bool) {
	v, ok := f.Value(key)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case time.Time:
		return s.Format(time.RFC3339Nano), true
	case json.Number:
		return s.String(), true
	}
	if n, ok := toFloat(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return deepCopyMap(f)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case Fields:
		return Fields(deepCopyMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// merge overlays src onto dst. Nested maps are merged recursively, every
// other value in src replaces the one in dst.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := asMap(v); ok {
			if cur, ok := asMap(dst[k]); ok {
				merge(cur, sub)
				dst[k] = cur
				continue
			}
			dst[k] = deepCopyMap(sub)
			continue
		}
		dst[k] = deepCopyValue(v)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return m, true
	}
	return nil, false
}

// KeyValue is one primary key field and its value.
type KeyValue struct {
	Name  string
	Value any
}

// Lookup returns the value of name within kvs.
func Lookup(kvs []KeyValue, name string) (any, bool) {
	for _, kv := range kvs {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return nil, false
}

// TupleKey renders the values of kvs as a stable string key. Values of
// different types never collide ("1" and 1 differ).
func TupleKey(kvs []KeyValue) string {
	values := make([]any, len(kvs))
	for i, kv := range kvs {
		values[i] = kv.Value
	}
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprintf("%#v", values)
	}
	return string(b)
}
