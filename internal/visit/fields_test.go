package visit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "endereco", NormalizeKey("Endereço"))
	assert.Equal(t, "qtd_item", NormalizeKey(" QTD_ITEM "))
	assert.Equal(t, "tipovisita", NormalizeKey("Tipo-Visita"))
}

func TestLookup_Cascade(t *testing.T) {
	m := map[string]any{"nome": "a", "NOME": "b", "Endereço": "Rua 1"}

	// exact key wins over the folded match
	assert.Equal(t, "b", Lookup(m, nil, "NOME"))
	assert.Equal(t, "a", Lookup(m, nil, "nome"))
	// folded key
	assert.Equal(t, "Rua 1", Lookup(m, nil, "ENDERECO"))
	// alias table
	assert.Equal(t, "Rua 1", Lookup(m, nil, "address"))
	// default
	assert.Equal(t, "none", Lookup(m, "none", "latitude"))
}

func TestLookup_SkipsBlankValues(t *testing.T) {
	m := map[string]any{"address": "  ", "endereco": "Rua 2", "lat": "null"}
	assert.Equal(t, "Rua 2", Lookup(m, nil, "address"))
	assert.Nil(t, Lookup(m, nil, "latitude"))
}

func TestResolver_RecordBeforeChildren(t *testing.T) {
	rec := SourceRecord{
		"TELEFONES": "1",
		"items": []any{
			map[string]any{"TELEFONES": "2"},
			map[string]any{"TELEFONES": "3", "PROFISSIONAL": "Rui"},
		},
	}
	r := newResolver(rec, aliasTable)
	assert.Equal(t, "1", r.AnyString("contact_phone"))
	assert.Equal(t, "Rui", r.AnyString("professional"))
	assert.Equal(t, "", r.RecordString("professional"))

	delete(rec, "TELEFONES")
	r = newResolver(rec, aliasTable)
	assert.Equal(t, "2", r.AnyString("contact_phone"))
}

func TestResolver_FoldedCollisionIsDeterministic(t *testing.T) {
	m := map[string]any{"Tipo": "", "TIPO": "rota", "tipo ": "motoboy"}
	for i := 0; i < 20; i++ {
		fs := newFieldSet(m)
		v, ok := fs.lookup([]string{"Tipo"}, aliasTable)
		assert.True(t, ok)
		assert.Equal(t, "rota", v)
	}
}

func TestMergeAliases(t *testing.T) {
	merged := mergeAliases(map[string][]string{"Address": {"logradouro"}, "ward": {"ala"}})
	assert.Equal(t, []string{"logradouro"}, merged["address"])
	assert.Equal(t, []string{"ala"}, merged["ward"])
	assert.Equal(t, aliasTable["latitude"], merged["latitude"])
	// built-in table untouched
	assert.Contains(t, aliasTable["address"], "endereco")
}

func TestChildren(t *testing.T) {
	rec := SourceRecord{"ROWS": []map[string]any{{"a": 1}, {"a": 2}}}
	assert.Len(t, rec.Children(), 2)

	rec = SourceRecord{"items": []any{map[string]any{"a": 1}, "junk", nil}}
	assert.Equal(t, []ChildRow{{"a": 1}}, rec.Children())

	assert.Nil(t, SourceRecord{"items": "nope"}.Children())
}

func TestChildren_KeyCasing(t *testing.T) {
	rec := SourceRecord{"Items": []any{map[string]any{"a": 1}}}
	assert.Equal(t, []ChildRow{{"a": 1}}, rec.Children())

	rec = SourceRecord{"Rows": []any{map[string]any{"b": 2}}}
	assert.Equal(t, []ChildRow{{"b": 2}}, rec.Children())

	rec = SourceRecord{
		"items": []any{map[string]any{"exact": true}},
		"ITEMS": []any{map[string]any{"upper": true}},
		"Items": []any{map[string]any{"title": true}},
	}
	assert.Equal(t, []ChildRow{{"exact": true}}, rec.Children())

	delete(rec, "items")
	assert.Equal(t, []ChildRow{{"upper": true}}, rec.Children(), "sorted keys put ITEMS first")
}

func TestWrapFirstLine(t *testing.T) {
	text := "Seringa descartavel 5ml com agulha 25x7 esteril"
	assert.Equal(t, "Seringa descartavel", wrapFirstLine(text, 20))
	assert.Equal(t, text, wrapFirstLine(text, 58))
	assert.Equal(t, "Supercalifragilistic", wrapFirstLine("Supercalifragilistic ok", 5))
	assert.Equal(t, "", wrapFirstLine("", 10))
}

func TestClassify_ViewAndRecordType(t *testing.T) {
	cases := []struct {
		name string
		rec  SourceRecord
		want Category
	}{
		{"delivery view", SourceRecord{"_source_view": "vw_entrega"}, CategoryDelivery},
		{"record type 2", SourceRecord{"TPREGISTRO": 2.0}, CategoryDelivery},
		{"record type word", SourceRecord{"tp_registro": "Entrega"}, CategoryDelivery},
		{"record type 1 with nursing text", SourceRecord{"TPREGISTRO": 1, "ESPECIALIDADE": "Enfermeira"}, CategoryNursing},
		{"motoboy descriptor", SourceRecord{"TIPO": "Motoboy"}, CategoryDelivery},
		{"medical", SourceRecord{"ESPECIALIDADE": "Clínica Médica"}, CategoryMedical},
		{"nothing", SourceRecord{"foo": "bar"}, CategoryUnclassified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.rec).Category)
		})
	}
}

func TestClassify_DefaultView(t *testing.T) {
	b := NewBuilder(Config{DefaultView: "VW_ENTREGAS_DIA"})
	c := b.Classify(SourceRecord{"ID_ATENDIMENTO": 1})
	assert.Equal(t, CategoryDelivery, c.Category)
	assert.True(t, c.ExplicitDelivery)
	assert.Equal(t, TagRoute, c.VisitType)
}

func TestTagHelpers(t *testing.T) {
	assert.True(t, IsServiceTag(TagMedicalVisit))
	assert.False(t, IsServiceTag(TagRoute))
	assert.True(t, IsDeliveryTag(" PAD_LOG "))
	assert.False(t, IsDeliveryTag(TagNursingVisit))

	n, ok := ParseRecordType("2.0")
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	_, ok = ParseRecordType("entrega")
	assert.False(t, ok)
}
