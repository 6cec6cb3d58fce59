package etl

import "visitrelay/internal/visit"

// ── Record ─────────────────────────────────────────────────
// Every source emits Records: one record per visit, with the rows that
// describe it nested under "items". The builder consumes them as
// visit.SourceRecord.

// Field describes a single column in a dataset.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"` // "text" | "number" | "boolean" | "datetime" | "list"
}

// Schema describes the shape of records coming from a source.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Record is a single grouped visit flowing through the pipeline.
type Record struct {
	Data map[string]any `json:"data"`
}

// Source exposes the record to the payload builder.
func (r Record) Source() visit.SourceRecord {
	return visit.SourceRecord(r.Data)
}

// Children returns the nested item rows.
func (r Record) Children() []visit.ChildRow {
	return r.Source().Children()
}

// Get reads a top-level field with the builder's lookup rules.
func (r Record) Get(names ...string) any {
	return visit.Lookup(r.Data, nil, names...)
}

// Clone copies the record and its child rows, so transforms never touch
// the source's maps.
func (r Record) Clone() Record {
	out := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		switch t := v.(type) {
		case []map[string]any:
			rows := make([]map[string]any, len(t))
			for i, row := range t {
				rows[i] = cloneMap(row)
			}
			out[k] = rows
		case []any:
			rows := make([]any, len(t))
			for i, e := range t {
				if m, ok := e.(map[string]any); ok {
					rows[i] = cloneMap(m)
				} else {
					rows[i] = e
				}
			}
			out[k] = rows
		default:
			out[k] = v
		}
	}
	return Record{Data: out}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
