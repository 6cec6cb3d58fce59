package sources

import (
	"fmt"
	"strconv"
	"strings"

	"visitrelay/internal/etl"
	"visitrelay/internal/visit"
)

// ── Grouping ───────────────────────────────────────────────
// Relational views return one row per item. Rows that share a visit key
// are folded into one record: the first row is the parent and every row
// becomes an entry of its "items".

// DefaultGroupField is the column tried first when grouping rows.
const DefaultGroupField = "ID_ATENDIMENTO"

// SourceViewKey is stamped on grouped records and their items.
const SourceViewKey = "_source_view"

var fallbackGroupFields = []string{"ID_REGISTRO", "ID_PROTOCOLO", "ID_PRESCRICAO", "ID_VISITA"}

// GroupRows folds rows into visit records. Groups keep the order in which
// their key first appears; rows without any key stand alone.
func GroupRows(rows []map[string]any, groupField, view string) []etl.Record {
	if groupField == "" {
		groupField = DefaultGroupField
	}
	fields := append([]string{groupField}, fallbackGroupFields...)

	var order []string
	groups := make(map[string][]map[string]any)
	for i, row := range rows {
		key := groupKey(row, fields)
		if key == "" {
			key = "\x00row:" + strconv.Itoa(i)
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}

	out := make([]etl.Record, 0, len(order))
	for _, key := range order {
		out = append(out, groupRecord(groups[key], view))
	}
	return out
}

func groupRecord(rows []map[string]any, view string) etl.Record {
	parent := copyRow(rows[0], view)
	items := make([]any, len(rows))
	for i, row := range rows {
		items[i] = copyRow(row, view)
	}
	parent["items"] = items
	return etl.Record{Data: parent}
}

func copyRow(row map[string]any, view string) map[string]any {
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	if view != "" {
		out[SourceViewKey] = view
	}
	return out
}

// groupKey names the group a row belongs to, or "" when the row carries
// none of the fields.
func groupKey(row map[string]any, fields []string) string {
	for _, f := range fields {
		v := visit.Lookup(row, nil, f)
		if v == nil {
			continue
		}
		s := keyString(v)
		if s != "" {
			return strings.ToUpper(f) + "=" + s
		}
	}
	return ""
}

func keyString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
