package etl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"visitrelay/internal/visit"
)

// ── Transformer ────────────────────────────────────────────
// Transformers modify records in-flight between source and builder.
// Each takes a record and returns a (possibly modified) record and whether
// to keep it.
//
// Pattern: processor chain.

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(Record) (Record, bool)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(Record) (Record, bool)

func (f TransformerFunc) Transform(r Record) (Record, bool) { return f(r) }

// TransformConfig is a declarative transform definition (stored as JSON).
type TransformConfig struct {
	Type   string         `json:"type" yaml:"type"` // "filter" | "rename" | "select" | "dedupe" | "limit" | "sort" | "upper_keys"
	Config map[string]any `json:"config" yaml:"config"`
}

// ── Built-in Transforms ────────────────────────────────────

// FilterTransform keeps records whose field matches the condition. The
// field is resolved like a payload field: exact key, folded key, alias.
type FilterTransform struct {
	Field string
	Op    string // "eq" | "neq" | "gt" | "lt" | "contains" | "in" | "empty" | "not_empty"
	Value any
}

func (t *FilterTransform) Transform(r Record) (Record, bool) {
	v := r.Get(t.Field)
	switch t.Op {
	case "empty":
		return r, v == nil
	case "not_empty":
		return r, v != nil
	}
	if v == nil {
		return r, false
	}
	switch t.Op {
	case "eq":
		return r, strings.EqualFold(fmt.Sprint(v), fmt.Sprint(t.Value))
	case "neq":
		return r, !strings.EqualFold(fmt.Sprint(v), fmt.Sprint(t.Value))
	case "contains":
		return r, strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(t.Value)))
	case "in":
		for _, want := range valueList(t.Value) {
			if strings.EqualFold(fmt.Sprint(v), want) {
				return r, true
			}
		}
		return r, false
	case "gt":
		return r, toFloat(v) > toFloat(t.Value)
	case "lt":
		return r, toFloat(v) < toFloat(t.Value)
	default:
		return r, true
	}
}

// RenameTransform renames top-level fields.
type RenameTransform struct {
	Mapping map[string]string // oldName → newName
}

func (t *RenameTransform) Transform(r Record) (Record, bool) {
	for from, to := range t.Mapping {
		if v, ok := r.Data[from]; ok {
			delete(r.Data, from)
			r.Data[to] = v
		}
	}
	return r, true
}

// SelectTransform keeps only the listed top-level fields. Child rows are
// always kept.
type SelectTransform struct {
	Fields []string
}

func (t *SelectTransform) Transform(r Record) (Record, bool) {
	filtered := make(map[string]any, len(t.Fields)+1)
	for _, f := range t.Fields {
		if v, ok := r.Data[f]; ok {
			filtered[f] = v
		}
	}
	for _, k := range []string{"items", "rows", "ITEMS", "ROWS"} {
		if v, ok := r.Data[k]; ok {
			filtered[k] = v
		}
	}
	r.Data = filtered
	return r, true
}

// DedupeTransform drops records with duplicate values for the given key.
type DedupeTransform struct {
	Key  string
	seen map[string]bool
}

func NewDedupeTransform(key string) *DedupeTransform {
	return &DedupeTransform{Key: key, seen: make(map[string]bool)}
}

func (t *DedupeTransform) Transform(r Record) (Record, bool) {
	v := r.Get(t.Key)
	if v == nil {
		return r, true
	}
	k := fmt.Sprint(v)
	if t.seen[k] {
		return r, false
	}
	t.seen[k] = true
	return r, true
}

// LimitTransform caps the number of records.
type LimitTransform struct {
	Count int
	seen  int
}

func NewLimitTransform(count int) *LimitTransform {
	return &LimitTransform{Count: count}
}

func (t *LimitTransform) Transform(r Record) (Record, bool) {
	t.seen++
	return r, t.seen <= t.Count
}

// UpperKeysTransform upper-cases every key of the record and its child
// rows. Child containers keep their key.
type UpperKeysTransform struct{}

func (UpperKeysTransform) Transform(r Record) (Record, bool) {
	out := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		if isChildKey(k) {
			out[strings.ToLower(k)] = upperRows(v)
			continue
		}
		out[strings.ToUpper(k)] = v
	}
	r.Data = out
	return r, true
}

func isChildKey(k string) bool {
	switch k {
	case "items", "rows", "ITEMS", "ROWS":
		return true
	}
	return false
}

func upperRows(v any) any {
	rows := visit.SourceRecord{"items": v}.Children()
	if rows == nil {
		return v
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(row))
		for k, val := range row {
			m[strings.ToUpper(k)] = val
		}
		out[i] = m
	}
	return out
}

// SortTransform sorts all collected records by a field. It needs every
// record, so the engine applies it after the streaming phase.
type SortTransform struct {
	Field     string
	Direction string // "asc" | "desc"
}

func (t *SortTransform) Transform(r Record) (Record, bool) {
	return r, true
}

// ── Batch Transforms ──────────────────────────────────────

// ApplyBatchSort sorts records if a SortTransform exists in the chain.
func ApplyBatchSort(records []Record, ts []Transformer) []Record {
	for _, t := range ts {
		st, ok := t.(*SortTransform)
		if !ok || st.Field == "" {
			continue
		}
		sorted := make([]Record, len(records))
		copy(sorted, records)
		dir := 1
		if st.Direction == "desc" {
			dir = -1
		}
		sort.SliceStable(sorted, func(i, j int) bool {
			return compareValues(sorted[i].Get(st.Field), sorted[j].Get(st.Field))*dir < 0
		})
		return sorted
	}
	return records
}

func compareValues(a, b any) int {
	fa, aOk := toFloatSafe(a)
	fb, bOk := toFloatSafe(b)
	if aOk && bOk {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// ── Chain construction ─────────────────────────────────────

// BuildTransformers converts declarative TransformConfig into Transformer
// instances. Unknown or incomplete entries are skipped.
func BuildTransformers(configs []TransformConfig, dedupeKey string) []Transformer {
	var ts []Transformer

	for _, tc := range configs {
		switch tc.Type {
		case "filter":
			field, _ := tc.Config["field"].(string)
			op, _ := tc.Config["op"].(string)
			if field != "" && op != "" {
				ts = append(ts, &FilterTransform{Field: field, Op: op, Value: tc.Config["value"]})
			}

		case "rename":
			if mapping, ok := tc.Config["mapping"].(map[string]any); ok {
				m := make(map[string]string, len(mapping))
				for k, v := range mapping {
					m[k] = fmt.Sprint(v)
				}
				ts = append(ts, &RenameTransform{Mapping: m})
			}

		case "select":
			if fields := valueList(tc.Config["fields"]); len(fields) > 0 {
				ts = append(ts, &SelectTransform{Fields: fields})
			}

		case "dedupe":
			if key, _ := tc.Config["key"].(string); key != "" {
				ts = append(ts, NewDedupeTransform(key))
			}

		case "sort":
			field, _ := tc.Config["field"].(string)
			direction, _ := tc.Config["direction"].(string)
			if direction == "" {
				direction = "asc"
			}
			if field != "" {
				ts = append(ts, &SortTransform{Field: field, Direction: direction})
			}

		case "limit":
			if count := int(toFloat(tc.Config["count"])); count > 0 {
				ts = append(ts, NewLimitTransform(count))
			}

		case "upper_keys":
			ts = append(ts, UpperKeysTransform{})
		}
	}

	// Job-level dedupe runs last.
	if dedupeKey != "" {
		ts = append(ts, NewDedupeTransform(dedupeKey))
	}

	return ts
}

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool) {
	for _, t := range ts {
		var keep bool
		r, keep = t.Transform(r)
		if !keep {
			return r, false
		}
	}
	return r, true
}

// ── Helpers ────────────────────────────────────────────────

func valueList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return splitList(t)
	case nil:
		return nil
	}
	return []string{fmt.Sprint(v)}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toFloatSafe(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	f, _ := toFloatSafe(v)
	return f
}
