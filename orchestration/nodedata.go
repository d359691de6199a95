package orchestration

import "github.com/flowstack-io/flowstack/core"

// stringField reads a string value out of node data.
func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// intField reads a numeric value out of node data. JSON decoding yields
// float64 for numbers, so both forms are accepted.
func intField(data map[string]interface{}, key string) (int, bool) {
	if data == nil {
		return 0, false
	}
	if f, ok := core.ToFloat(data[key]); ok {
		return int(f), true
	}
	return 0, false
}

// mapField reads a nested object out of node data.
func mapField(data map[string]interface{}, key string) map[string]interface{} {
	if data == nil {
		return nil
	}
	if m, ok := data[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// stringMapField reads an object of string values, tolerating the
// map[string]interface{} shape JSON decoding produces.
func stringMapField(data map[string]interface{}, key string) map[string]string {
	raw := mapField(data, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
