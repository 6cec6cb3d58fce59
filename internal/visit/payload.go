package visit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ── Payload ────────────────────────────────────────────────
// The routing API reads request bodies in a fixed key order. Payload keeps
// that order and applies the null policy of each field class once, at
// assembly time.

// FieldClass selects the default applied to an absent payload value.
type FieldClass int

const (
	// ClassString fields stay null when absent.
	ClassString FieldClass = iota
	// ClassNumber fields stay null; zero would corrupt capacity math.
	ClassNumber
	// ClassCoordinate fields stay null so the routing service geocodes.
	ClassCoordinate
	// ClassBool fields default to false.
	ClassBool
	// ClassList fields default to [].
	ClassList
	// ClassDict fields default to {}.
	ClassDict
	// ClassItems is the item list; the key is dropped when it is empty.
	ClassItems
)

func (c FieldClass) String() string {
	switch c {
	case ClassString:
		return "string"
	case ClassNumber:
		return "number"
	case ClassCoordinate:
		return "coordinate"
	case ClassBool:
		return "bool"
	case ClassList:
		return "list"
	case ClassDict:
		return "dict"
	case ClassItems:
		return "items"
	}
	return fmt.Sprintf("FieldClass(%d)", int(c))
}

// FieldSpec is one entry of the payload contract.
type FieldSpec struct {
	Name  string
	Class FieldClass
}

var payloadFields = []FieldSpec{
	{"id", ClassString},
	{"order", ClassNumber},
	{"tracking_id", ClassString},
	{"status", ClassString},
	{"title", ClassString},
	{"address", ClassString},
	{"latitude", ClassCoordinate},
	{"longitude", ClassCoordinate},
	{"load", ClassNumber},
	{"load_2", ClassNumber},
	{"load_3", ClassNumber},
	{"window_start", ClassString},
	{"window_end", ClassString},
	{"window_start_2", ClassString},
	{"window_end_2", ClassString},
	{"duration", ClassString},
	{"contact_name", ClassString},
	{"contact_phone", ClassString},
	{"contact_email", ClassString},
	{"reference", ClassString},
	{"notes", ClassString},
	{"skills_required", ClassList},
	{"skills_optional", ClassList},
	{"tags", ClassList},
	{"planned_date", ClassString},
	{"programmed_date", ClassString},
	{"route", ClassString},
	{"route_status", ClassString},
	{"estimated_time_arrival", ClassString},
	{"estimated_time_departure", ClassString},
	{"checkin_time", ClassString},
	{"checkout_time", ClassString},
	{"checkout_latitude", ClassCoordinate},
	{"checkout_longitude", ClassCoordinate},
	{"checkout_comment", ClassString},
	{"checkout_observation", ClassString},
	{"signature", ClassString},
	{"pictures", ClassList},
	{"created", ClassString},
	{"modified", ClassString},
	{"eta_predicted", ClassString},
	{"eta_current", ClassString},
	{"driver", ClassNumber},
	{"vehicle", ClassNumber},
	{"priority", ClassBool},
	{"has_alert", ClassBool},
	{"priority_level", ClassNumber},
	{"extra_field_values", ClassDict},
	{"geocode_alert", ClassString},
	{"visit_type", ClassString},
	{"current_eta", ClassString},
	{"fleet", ClassNumber},
	{"seller", ClassString},
	{"is_route_completed", ClassBool},
	{"items", ClassItems},
}

// Fields returns the payload contract in wire order.
func Fields() []FieldSpec {
	return append([]FieldSpec(nil), payloadFields...)
}

// FieldNames returns the payload keys in wire order.
func FieldNames() []string {
	names := make([]string, len(payloadFields))
	for i, f := range payloadFields {
		names[i] = f.Name
	}
	return names
}

// Payload is an ordered visit payload. The zero value is empty.
type Payload struct {
	keys   []string
	values map[string]any
}

// newPayload places values into contract order and applies each field
// class default.
func newPayload(values map[string]any) *Payload {
	p := &Payload{
		keys:   make([]string, 0, len(payloadFields)),
		values: make(map[string]any, len(payloadFields)),
	}
	for _, f := range payloadFields {
		v := normalizeText(values[f.Name])
		switch f.Class {
		case ClassList:
			if isBlank(v) {
				v = []any{}
			}
		case ClassDict:
			if isBlank(v) {
				v = map[string]any{}
			}
		case ClassBool:
			if v == nil {
				v = false
			}
		case ClassItems:
			items, _ := v.([]LineItem)
			if len(items) == 0 {
				continue
			}
		}
		p.keys = append(p.keys, f.Name)
		p.values[f.Name] = v
	}
	return p
}

// Get returns the value stored under key.
func (p *Payload) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// String returns the value under key as text, "" when absent or null.
func (p *Payload) String(key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

// Reference is the payload reference, the key used to track sent visits.
func (p *Payload) Reference() string { return p.String("reference") }

// Keys returns the payload keys in wire order.
func (p *Payload) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Len reports the number of keys.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Items returns the item lines, nil when the payload carries none.
func (p *Payload) Items() []LineItem {
	v, _ := p.Get("items")
	items, _ := v.([]LineItem)
	return items
}

// Map returns an unordered shallow copy of the payload.
func (p *Payload) Map() map[string]any {
	out := make(map[string]any, p.Len())
	for _, k := range p.Keys() {
		out[k] = p.values[k]
	}
	return out
}

// Filter returns a copy keeping only keys accepted by keep, in order.
func (p *Payload) Filter(keep func(key string, value any) bool) *Payload {
	out := &Payload{values: make(map[string]any, p.Len())}
	for _, k := range p.Keys() {
		v := p.values[k]
		if keep(k, v) {
			out.keys = append(out.keys, k)
			out.values[k] = v
		}
	}
	return out
}

// Compact returns a copy without null values.
func (p *Payload) Compact() *Payload {
	return p.Filter(func(_ string, v any) bool { return v != nil })
}

// MarshalJSON writes the keys in contract order. HTML characters are left
// unescaped so notes reach the routing API as written.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, p.values[k]); err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// normalizeText applies NFC to every string in v, including item fields.
func normalizeText(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeText(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeText(e)
		}
		return out
	case []LineItem:
		out := make([]LineItem, len(t))
		for i, it := range t {
			it.Title = norm.NFC.String(it.Title)
			it.Notes = norm.NFC.String(it.Notes)
			if it.Reference != nil {
				ref := norm.NFC.String(*it.Reference)
				it.Reference = &ref
			}
			out[i] = it
		}
		return out
	default:
		return v
	}
}
