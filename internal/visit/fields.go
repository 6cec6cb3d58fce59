package visit

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ── Field Resolution ───────────────────────────────────────
// One resolver answers every "which physical column holds this logical
// field" question. Lookup order per row: exact key, folded key (case and
// accent insensitive), then the alias table. The record is searched
// before its child rows, and child rows in source order.

// aliasTable maps a logical field name to the physical names sources have
// used for it. Keys and values are compared in folded form.
var aliasTable = map[string][]string{
	"address":          {"address", "endereco_geolocalizacao", "endereco"},
	"item_title":       {"item_title", "produto", "nome", "title"},
	"title":            {"title", "item_title"},
	"quantity_planned": {"quantity_planned", "quantidade", "qty"},
	"planned_date":     {"planned_date", "eventdate", "dt_visita", "dt_entrega"},
	"contact_name":     {"contact_name", "pessoacontato", "pessoa_contato"},
	"contact_phone":    {"contact_phone", "telefones", "telefone"},
	"contact_email":    {"contact_email", "email"},
	"patient_name":     {"nome_paciente", "nome"},
	"record_id":        {"id_atendimento", "idregistro", "id_registro", "id"},
	"record_type":      {"tpregistro", "tp_registro"},
	"specialty":        {"especialidade"},
	"visit_kind":       {"tipovisita", "tipo_visita"},
	"delivery_kind":    {"tipo_entrega", "tipo"},
	"protocol":         {"id_protocolo"},
	"prescription":     {"id_prescricao"},
	"latitude":         {"latitude", "lat"},
	"longitude":        {"longitude", "lon", "lng"},
	"load":             {"load", "volume"},
	"duration":         {"duration"},
	"service_time":     {"service_time", "tempo_servico"},
	"professional":     {"profissional", "nome_profissional"},
	"periodicity":      {"periodicidade", "frequencia"},
	"document":         {"cpf", "documento"},
	"source_view":      {"_source_view", "source_view"},
}

// mergeAliases returns the built-in alias table with overrides applied.
// An override replaces the whole physical-name list for its logical name.
func mergeAliases(overrides map[string][]string) map[string][]string {
	out := make(map[string][]string, len(aliasTable)+len(overrides))
	for k, v := range aliasTable {
		out[k] = v
	}
	for k, v := range overrides {
		out[NormalizeKey(k)] = append([]string(nil), v...)
	}
	return out
}

// NormalizeKey folds a field name to its lookup form: lower case, accents
// stripped, only letters, digits and underscores kept.
func NormalizeKey(k string) string {
	folded := fold(k)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fold lower-cases s and removes combining marks after NFKD decomposition.
func fold(s string) string {
	// Transformers carry state, so each call builds its own chain.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// fieldSet is one row prepared for lookup.
type fieldSet struct {
	raw    map[string]any
	folded map[string]any
}

func newFieldSet(m map[string]any) fieldSet {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Sorted so that colliding folded keys resolve the same way every run.
	sort.Strings(keys)

	folded := make(map[string]any, len(m))
	for _, k := range keys {
		nk := NormalizeKey(k)
		if prev, ok := folded[nk]; ok && !isBlank(prev) {
			continue
		}
		folded[nk] = m[k]
	}
	return fieldSet{raw: m, folded: folded}
}

// lookup searches one row: exact names, folded names, then aliases.
func (fs fieldSet) lookup(names []string, aliases map[string][]string) (any, bool) {
	for _, n := range names {
		if v, ok := fs.raw[n]; ok && !isBlank(v) {
			return v, true
		}
	}
	for _, n := range names {
		if v, ok := fs.folded[NormalizeKey(n)]; ok && !isBlank(v) {
			return v, true
		}
	}
	for _, n := range names {
		for _, alias := range aliases[NormalizeKey(n)] {
			if v, ok := fs.folded[NormalizeKey(alias)]; ok && !isBlank(v) {
				return v, true
			}
		}
	}
	return nil, false
}

// resolver holds a record and its child rows prepared for lookup.
type resolver struct {
	aliases  map[string][]string
	record   fieldSet
	children []fieldSet
}

func newResolver(rec SourceRecord, aliases map[string][]string) *resolver {
	r := &resolver{aliases: aliases, record: newFieldSet(rec)}
	for _, child := range rec.Children() {
		r.children = append(r.children, newFieldSet(child))
	}
	return r
}

// Record resolves names against the record only.
func (r *resolver) Record(names ...string) any {
	v, _ := r.record.lookup(names, r.aliases)
	return v
}

// Any resolves names against the record, then each child row in order.
func (r *resolver) Any(names ...string) any {
	if v, ok := r.record.lookup(names, r.aliases); ok {
		return v
	}
	for _, child := range r.children {
		if v, ok := child.lookup(names, r.aliases); ok {
			return v
		}
	}
	return nil
}

// Row resolves names against a single child row.
func (r *resolver) Row(row fieldSet, names ...string) any {
	v, _ := row.lookup(names, r.aliases)
	return v
}

// RecordString is Record rendered as a trimmed string ("" when absent).
func (r *resolver) RecordString(names ...string) string {
	return scalarString(r.Record(names...))
}

// AnyString is Any rendered as a trimmed string ("" when absent).
func (r *resolver) AnyString(names ...string) string {
	return scalarString(r.Any(names...))
}

// RowString is Row rendered as a trimmed string ("" when absent).
func (r *resolver) RowString(row fieldSet, names ...string) string {
	return scalarString(r.Row(row, names...))
}

// Lookup resolves a logical field on a single map using the default alias
// table, returning def when nothing matches. It is the same cascade the
// builder uses, exposed for callers working on callback or response maps.
func Lookup(m map[string]any, def any, names ...string) any {
	if v, ok := newFieldSet(m).lookup(names, aliasTable); ok {
		return v
	}
	return def
}

// isBlank reports whether v carries no usable value.
func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return true
		}
		switch strings.ToLower(s) {
		case "null", "none":
			return true
		}
		return false
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
