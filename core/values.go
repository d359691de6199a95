package core

import (
	"encoding/json"
	"strconv"
	"strings"
)

// GetNestedValue resolves a dotted path like "user.address.city" against
// decoded JSON data (maps, slices, scalars). Numeric segments index into
// slices. Returns (nil, false) when any segment is missing.
func GetNestedValue(data interface{}, path string) (interface{}, bool) {
	if path == "" {
		return data, data != nil
	}
	current := data
	for _, segment := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// ToFloat converts JSON-decoded numeric values to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
