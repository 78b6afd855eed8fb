package flow

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Lookup walks a dot-separated path through nested JSON objects.
func Lookup(obj map[string]any, path string) (any, bool) {
	if obj == nil {
		return nil, false
	}
	var cur any = obj
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Text renders a decoded JSON value the way predicates compare it: strings
// as-is, numbers without trailing zeros, booleans as true/false and anything
// else as compact JSON.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
