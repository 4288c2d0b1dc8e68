package core

import (
	"encoding/json"
	"strconv"
	"strings"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

// FieldValue is a single value extracted from an annotation payload, tagged
// with its JSON kind. Lookups return (FieldValue, ok) so that a missing field
// is distinguishable from a field that is present but null.
type FieldValue struct {
	raw any
}

func ValueOf(raw any) FieldValue {
	return FieldValue{raw: raw}
}

func (v FieldValue) Kind() ValueKind {
	switch v.raw.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return KindNumber
	case bool:
		return KindBool
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindNull
	}
}

func (v FieldValue) Str() (string, bool) {
	s, ok := v.raw.(string)
	return s, ok
}

func (v FieldValue) Num() (float64, bool) {
	switch n := v.raw.(type) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (v FieldValue) Bool() (bool, bool) {
	b, ok := v.raw.(bool)
	return b, ok
}

func (v FieldValue) Arr() ([]FieldValue, bool) {
	raw, ok := v.raw.([]any)
	if !ok {
		return nil, false
	}
	items := make([]FieldValue, len(raw))
	for i, item := range raw {
		items[i] = FieldValue{raw: item}
	}
	return items, true
}

// IsEmpty reports whether the value counts as empty: null, empty string, or
// empty array.
func (v FieldValue) IsEmpty() bool {
	switch val := v.raw.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	default:
		return false
	}
}

// StringForm renders the value the way it would be displayed: strings as is,
// numbers without a trailing zero fraction, bools as "true"/"false".
func (v FieldValue) StringForm() string {
	switch val := v.raw.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		if n, ok := v.Num(); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		data, err := json.Marshal(v.raw)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// ResolveField walks a dot separated path through a nested annotation value.
// Values may nest the extracted fields under a top level "document" object, so
// a path that does not resolve directly is retried underneath it.
func ResolveField(value map[string]any, path string) (FieldValue, bool) {
	if v, ok := resolveSteps(value, strings.Split(path, ".")); ok {
		return v, true
	}
	if doc, ok := value["document"].(map[string]any); ok {
		return resolveSteps(doc, strings.Split(path, "."))
	}
	return FieldValue{}, false
}

func resolveSteps(value map[string]any, steps []string) (FieldValue, bool) {
	current := any(value)
	for _, step := range steps {
		obj, ok := current.(map[string]any)
		if !ok {
			return FieldValue{}, false
		}
		current, ok = obj[step]
		if !ok {
			return FieldValue{}, false
		}
	}
	return FieldValue{raw: current}, true
}
