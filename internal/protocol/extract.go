package protocol

import (
	"encoding/json"
	"math"
)

// The gateway's event payloads are loosely typed and have drifted across
// releases: the same logical field appears under different names depending
// on the emitting component. Each extractor below takes an ordered list of
// candidate keys and returns the first usable value.

// StringField returns the first non-empty string value among keys.
func StringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// IntField returns the first numeric value among keys. JSON numbers decode
// as float64; strings and other types are not coerced.
func IntField(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if v == math.Trunc(v) {
				return int64(v), true
			}
		case int64:
			return v, true
		case int:
			return int64(v), true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// MapField returns the first nested object value among keys.
func MapField(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := m[k].(map[string]any); ok {
			return v
		}
	}
	return nil
}

// NestedString looks up key candidates at the top level first, then inside
// each of the given container objects, in order.
func NestedString(m map[string]any, containers []string, keys ...string) string {
	if v := StringField(m, keys...); v != "" {
		return v
	}
	for _, c := range containers {
		if inner := MapField(m, c); inner != nil {
			if v := StringField(inner, keys...); v != "" {
				return v
			}
		}
	}
	return ""
}
