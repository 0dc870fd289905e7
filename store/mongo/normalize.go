package mongo

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// The driver decodes BSON documents held in interface{} values as
// primitive.D, which marshals to JSON as a list of key/value pairs instead
// of an object. Payloads must read back shape-identical to what was
// published, so documents coming out of the store are converted to plain
// maps and slices before anything downstream serializes them.

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalizeValue(val)
		}
		return m
	case primitive.A:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = normalizeValue(val)
		}
		return s
	default:
		return v
	}
}

func normalizeData(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}
