package sources

import (
	"sort"
	"strings"

	"visitrelay/internal/etl"
)

// navigatePath walks a dot-separated path into nested maps.
func navigatePath(obj any, path string) (any, bool) {
	current := obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

// toRecords converts a decoded JSON value into records. Nested values are
// kept as they are: child rows travel under "items" or "rows".
func toRecords(raw any, view string) []etl.Record {
	var docs []map[string]any
	switch v := raw.(type) {
	case []any:
		docs = make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				docs = append(docs, m)
			}
		}
	case map[string]any:
		docs = []map[string]any{v}
	default:
		return nil
	}
	return nestedRecords(docs, view)
}

// inferSchema infers a Schema from a slice of Records, sorted by name.
func inferSchema(records []etl.Record) *etl.Schema {
	fieldSet := make(map[string]string) // name → type
	for _, rec := range records {
		for k, v := range rec.Data {
			if t, exists := fieldSet[k]; !exists || (t == "text" && v != nil) {
				fieldSet[k] = inferType(v)
			}
		}
	}

	schema := &etl.Schema{}
	for name, typ := range fieldSet {
		schema.Fields = append(schema.Fields, etl.Field{Name: name, Type: typ})
	}
	sort.Slice(schema.Fields, func(i, j int) bool { return schema.Fields[i].Name < schema.Fields[j].Name })
	return schema
}

func inferType(v any) string {
	switch v.(type) {
	case float64, float32, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []any, []map[string]any:
		return "list"
	default:
		return "text"
	}
}
