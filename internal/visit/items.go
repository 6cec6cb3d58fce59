package visit

import "strings"

// LineItem is one item line of a visit payload. QuantityDelivered is always
// nil on the wire: the routing service keeps its own delivered counts.
type LineItem struct {
	Title             string   `json:"title"`
	Status            string   `json:"status"`
	Load              float64  `json:"load"`
	Load2             float64  `json:"load_2"`
	Load3             float64  `json:"load_3"`
	Reference         *string  `json:"reference"`
	QuantityPlanned   float64  `json:"quantity_planned"`
	QuantityDelivered *float64 `json:"quantity_delivered"`
	Notes             string   `json:"notes,omitempty"`
}

const itemStatusPending = "pending"

// itemLine carries the numbers a delivery note renders for one item.
type itemLine struct {
	title     string
	planned   float64
	delivered float64
}

var (
	materialTitleFields = []string{
		"nome_material", "produto", "nome", "descricao", "title", "item_title",
	}
	plannedQtyFields = []string{
		"qtd_item_solicitado", "qtde_solicitada", "qtd_solicitada",
		"quantidade", "quantity_planned", "qty",
	}
	deliveredQtyFields = []string{
		"qtd_item_enviado", "qtde_atendida", "qtd_entregue",
		"qtd_item_entregue", "qtd_separada", "quantity_delivered",
	}
	materialRefFields = []string{
		"id_material", "id_item", "idresupply", "id_protocolo", "id_atendimento", "reference",
	}
	professionalFields = []string{"especialidade", "tipovisita", "profissional", "periodicidade"}
)

// assembleItems builds the item list for a classified record. Service
// visits never carry items.
func (b *Builder) assembleItems(r *resolver, c Classification) ([]LineItem, []itemLine) {
	if c.Category.IsService() || IsServiceTag(c.VisitType) {
		return nil, nil
	}
	if c.Category == CategoryDelivery {
		return b.deliveryItems(r)
	}
	return b.serviceItems(r), nil
}

func (b *Builder) deliveryItems(r *resolver) ([]LineItem, []itemLine) {
	items := make([]LineItem, 0, len(r.children))
	lines := make([]itemLine, 0, len(r.children))
	for _, row := range r.children {
		title := firstString(r, row, materialTitleFields)
		if title == "" {
			title = "item"
		}
		planned := CeilQuantity(firstQuantity(r, row, plannedQtyFields), 1)
		delivered := CeilQuantity(firstQuantity(r, row, deliveredQtyFields), 0)

		items = append(items, LineItem{
			Title:           title,
			Status:          itemStatusPending,
			Load:            floatOr(r.Row(row, "load"), 0),
			Load2:           floatOr(r.Row(row, "load_2"), 0),
			Load3:           floatOr(r.Row(row, "load_3"), 0),
			Reference:       optionalString(firstString(r, row, materialRefFields)),
			QuantityPlanned: planned,
		})
		lines = append(lines, itemLine{title: title, planned: planned, delivered: delivered})
	}
	return items, lines
}

// serviceItems maps unclassified child rows. Rows that describe a
// professional service become service lines with a folded note; anything
// else gets a generic title/quantity mapping.
func (b *Builder) serviceItems(r *resolver) []LineItem {
	items := make([]LineItem, 0, len(r.children))
	for _, row := range r.children {
		if hasAny(r, row, professionalFields) {
			items = append(items, b.professionalItem(r, row))
			continue
		}
		title := firstString(r, row, []string{"title", "nome", "item_title"})
		if title == "" {
			title = "item"
		}
		items = append(items, LineItem{
			Title:           title,
			Status:          itemStatusPending,
			Load:            floatOr(r.Row(row, "load"), 0),
			Load2:           floatOr(r.Row(row, "load_2"), 0),
			Load3:           floatOr(r.Row(row, "load_3"), 0),
			Reference:       optionalString(firstString(r, row, []string{"reference", "ref"})),
			QuantityPlanned: CeilQuantity(firstQuantity(r, row, []string{"quantity_planned", "qty", "quantidade"}), 1),
		})
	}
	return items
}

func (b *Builder) professionalItem(r *resolver, row fieldSet) LineItem {
	title := firstString(r, row, []string{"especialidade", "tipovisita", "nome", "title"})
	if title == "" {
		title = "service"
	}

	var parts []string
	add := func(label, value string) {
		if value != "" {
			parts = append(parts, label+": "+value)
		}
	}
	add("Prof", r.RowString(row, "professional"))
	add("Periodicidade", r.RowString(row, "periodicity"))
	add("Tel", r.RowString(row, "contact_phone"))
	add("Contato", r.RowString(row, "contact_name"))
	add("Email", SanitizeEmail(r.Row(row, "contact_email")))
	add("CPF", r.RowString(row, "document"))

	item := LineItem{
		Title:           title,
		Status:          itemStatusPending,
		Load:            floatOr(r.Row(row, "load"), 0),
		Load2:           floatOr(r.Row(row, "load_2"), 0),
		Load3:           floatOr(r.Row(row, "load_3"), 0),
		Reference:       optionalString(firstString(r, row, []string{"id_atendimento", "idregistro", "reference"})),
		QuantityPlanned: CeilQuantity(firstQuantity(r, row, []string{"quantity_planned", "quantidade", "qty"}), 1),
	}
	if len(parts) > 0 {
		item.Notes = b.withPrefix(strings.Join(parts, "; "))
	}
	return item
}

// firstString returns the first non-empty field of row, checking each name
// through the full cascade before moving to the next.
func firstString(r *resolver, row fieldSet, names []string) string {
	for _, n := range names {
		if s := r.RowString(row, n); s != "" {
			return s
		}
	}
	return ""
}

// firstQuantity returns the first field of row holding a non-zero value.
// A zero in an early column does not hide a real count in a later one.
func firstQuantity(r *resolver, row fieldSet, names []string) any {
	for _, n := range names {
		v := r.Row(row, n)
		if v == nil {
			continue
		}
		if f, ok := toFloat(v); ok && f == 0 {
			continue
		}
		return v
	}
	return nil
}

func hasAny(r *resolver, row fieldSet, names []string) bool {
	for _, n := range names {
		if r.RowString(row, n) != "" {
			return true
		}
	}
	return false
}

func floatOr(v any, def float64) float64 {
	if f, ok := toFloat(v); ok {
		return f
	}
	return def
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
