package visit

import (
	"strconv"
	"strings"
)

// ── Classifier ─────────────────────────────────────────────
// Category and tag rules live in the tables below. Changing a token list
// changes behavior for every record, so bump RulesVersion with it.

// RulesVersion identifies the classifier rule tables.
const RulesVersion = "2025.12"

// Delivery tags understood by the routing account.
const (
	TagRoute     = "rota_log"
	TagAdmission = "adm_log"
	TagIncrement = "acr_log"
)

// Service visit tags.
const (
	TagNursingVisit = "enf_visit"
	TagMedicalVisit = "med_visit"
)

type categoryRule struct {
	Category Category
	Tokens   []string
}

// categoryRules are checked in order against the descriptor blob.
var categoryRules = []categoryRule{
	{Category: CategoryDelivery, Tokens: []string{"rota", "motoboy", "entrega"}},
	{Category: CategoryNursing, Tokens: []string{"enferm"}},
	{Category: CategoryMedical, Tokens: []string{"medic", "pediatr"}},
}

// descriptorFields feed the descriptor blob, from the record and every child row.
var descriptorFields = []string{"especialidade", "tipovisita", "visit_type", "tipo_entrega", "tp_entrega", "tipo"}

// deliveryTagFields may carry an explicit delivery tag.
var deliveryTagFields = []string{
	"tp_entrega", "tipo_entrega", "tipo", "subtipo", "motivo",
	"desc_tipo", "tipo_movimento", "tipo_movimentacao",
}

var (
	activeDeliveryTags = map[string]bool{TagRoute: true, TagAdmission: true, TagIncrement: true}
	// Pickup and care-plan change tags are recognized but not enabled on
	// the routing account yet; they route as the default tag.
	disabledDeliveryTags = map[string]bool{"ret_log": true, "pad_log": true}
)

// deliveryTagHints map descriptor substrings to tags when no exact tag is present.
var deliveryTagHints = []struct {
	Token string
	Tag   string
}{
	{Token: "acresc", Tag: TagIncrement},
	{Token: "admis", Tag: TagAdmission},
}

// specialtyTags map specialty text to service tags. First match wins.
var specialtyTags = []struct {
	Tokens []string
	Tag    string
}{
	{Tokens: []string{"enferm"}, Tag: TagNursingVisit},
	{Tokens: []string{"medico", "medica", "med", "pediatria"}, Tag: TagMedicalVisit},
}

// DeliveryTags lists every delivery tag the classifier can emit or
// recognizes, active ones first.
func DeliveryTags() []string {
	return []string{TagRoute, TagAdmission, TagIncrement, "ret_log", "pad_log"}
}

// Classification is the classifier's verdict for one record.
type Classification struct {
	Category Category `json:"category"`
	// VisitType is the tag emitted as visit_type; empty when none applies.
	VisitType  string `json:"visitType,omitempty"`
	Descriptor string `json:"descriptor"`
	// ExplicitDelivery is set when the view name or record type code
	// marked the record as a delivery.
	ExplicitDelivery bool `json:"explicitDelivery"`
}

func (b *Builder) classify(r *resolver) Classification {
	blob := descriptorBlob(r)
	c := Classification{Descriptor: blob, Category: CategoryUnclassified}

	if b.explicitDelivery(r) {
		c.Category = CategoryDelivery
		c.ExplicitDelivery = true
	} else {
		for _, rule := range categoryRules {
			if containsAny(blob, rule.Tokens) {
				c.Category = rule.Category
				break
			}
		}
	}

	if c.Category == CategoryDelivery {
		c.VisitType = inferDeliveryTag(r, blob)
	} else {
		c.VisitType = serviceTag(r)
	}
	return c
}

// explicitDelivery checks the view name and the record type code.
func (b *Builder) explicitDelivery(r *resolver) bool {
	view := r.RecordString("source_view")
	if view == "" {
		view = b.cfg.DefaultView
	}
	if strings.Contains(strings.ToUpper(view), "ENTREGA") {
		return true
	}
	rt := r.Record("record_type")
	if n, ok := ParseRecordType(rt); ok {
		return n == 2
	}
	switch strings.ToLower(scalarString(rt)) {
	case "entrega", "delivery":
		return true
	}
	return false
}

// descriptorBlob joins the folded descriptor fields of the record and all
// child rows.
func descriptorBlob(r *resolver) string {
	var parts []string
	collect := func(fs fieldSet) {
		for _, f := range descriptorFields {
			if s := r.RowString(fs, f); s != "" {
				parts = append(parts, collapseSpaces(fold(s)))
			}
		}
	}
	collect(r.record)
	for _, child := range r.children {
		collect(child)
	}
	return strings.Join(parts, " ")
}

// inferDeliveryTag picks the logistics tag. An exact tag on any candidate
// field beats a substring hint anywhere in the descriptors.
func inferDeliveryTag(r *resolver, blob string) string {
	var candidates []string
	collect := func(fs fieldSet) {
		for _, f := range deliveryTagFields {
			if s := r.RowString(fs, f); s != "" {
				candidates = append(candidates, strings.TrimSpace(fold(s)))
			}
		}
	}
	collect(r.record)
	for _, child := range r.children {
		collect(child)
	}

	for _, token := range candidates {
		if activeDeliveryTags[token] {
			return token
		}
		if disabledDeliveryTags[token] {
			return TagRoute
		}
	}

	hay := strings.Join(append(candidates, blob), " ")
	for _, hint := range deliveryTagHints {
		if strings.Contains(hay, hint.Token) {
			return hint.Tag
		}
	}
	return TagRoute
}

// serviceTag maps the specialty, then the visit kind, to a service tag.
// It never guesses: no match leaves the tag empty.
func serviceTag(r *resolver) string {
	for _, field := range []string{"specialty", "visit_kind"} {
		s := r.AnyString(field)
		if s == "" {
			continue
		}
		folded := fold(s)
		for _, st := range specialtyTags {
			if containsAny(folded, st.Tokens) {
				return st.Tag
			}
		}
	}
	return ""
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// IsServiceTag reports whether tag marks a nursing or medical visit.
func IsServiceTag(tag string) bool {
	return tag == TagNursingVisit || tag == TagMedicalVisit
}

// IsDeliveryTag reports whether tag is one of the delivery tags, including
// the disabled ones.
func IsDeliveryTag(tag string) bool {
	t := strings.ToLower(strings.TrimSpace(tag))
	return activeDeliveryTags[t] || disabledDeliveryTags[t]
}

// ParseRecordType reads a record type code (1 visit, 2 delivery).
func ParseRecordType(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(t), ".0"))
		return n, err == nil
	case nil:
		return 0, false
	default:
		f, ok := toFloat(v)
		return int(f), ok
	}
}
