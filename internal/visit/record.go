package visit

import "sort"

// ── Record ─────────────────────────────────────────────────
// Input shape for the payload builder. Records come straight from the
// source reader: field names keep whatever casing and accents the view
// used, and line items hang under an items/rows key.

// SourceRecord is one scheduling or delivery entity pulled from the source.
// The builder never mutates it.
type SourceRecord map[string]any

// ChildRow is one line item (a delivered material or a scheduled service)
// belonging to a SourceRecord.
type ChildRow map[string]any

// childKeys are the folded keys a record may carry its child rows under,
// in lookup order.
var childKeys = []string{"items", "rows"}

// Children returns the record's child rows in source order. Entries that
// are not objects are skipped. Keys match in any casing; an exact
// lower-case key wins over its variants.
func (r SourceRecord) Children() []ChildRow {
	for _, want := range childKeys {
		if rows := toRows(r[want]); len(rows) > 0 {
			return rows
		}
		keys := make([]string, 0, len(r))
		for k := range r {
			if k != want && NormalizeKey(k) == want {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if rows := toRows(r[k]); len(rows) > 0 {
				return rows
			}
		}
	}
	return nil
}

func toRows(v any) []ChildRow {
	switch t := v.(type) {
	case []ChildRow:
		return t
	case []map[string]any:
		out := make([]ChildRow, 0, len(t))
		for _, m := range t {
			out = append(out, ChildRow(m))
		}
		return out
	case []SourceRecord:
		out := make([]ChildRow, 0, len(t))
		for _, m := range t {
			out = append(out, ChildRow(m))
		}
		return out
	case []any:
		out := make([]ChildRow, 0, len(t))
		for _, item := range t {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, ChildRow(m))
			case ChildRow:
				out = append(out, m)
			case SourceRecord:
				out = append(out, ChildRow(m))
			}
		}
		return out
	default:
		return nil
	}
}

// Category is the visit classification every later stage branches on.
type Category string

const (
	CategoryDelivery     Category = "delivery"
	CategoryNursing      Category = "nursing"
	CategoryMedical      Category = "medical"
	CategoryUnclassified Category = "unclassified"
)

// IsService reports whether the category is a nursing or medical visit.
func (c Category) IsService() bool {
	return c == CategoryNursing || c == CategoryMedical
}
