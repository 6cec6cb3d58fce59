// Package status maps routing-service visit callbacks to the status rows the
// source system keeps for each visit or delivery.
package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"visitrelay/internal/visit"
)

var (
	// ErrUnmappedStatus is returned for callbacks whose status has no code.
	ErrUnmappedStatus = errors.New("status: unmapped callback status")
	// ErrBadBody is returned when a webhook body holds no callback JSON.
	ErrBadBody = errors.New("status: bad callback body")
)

// Code is the numeric status stored in the source status table.
type Code int

const (
	CodePartial   Code = 4
	CodeDelivered Code = 5
	CodeFailed    Code = 6
)

// Information is the fixed text stored next to the code.
func (c Code) Information() string {
	switch c {
	case CodePartial:
		return "Entrega parcial"
	case CodeDelivered:
		return "Entregue"
	case CodeFailed:
		return "Falha na entrega"
	}
	return ""
}

// Record types of the source system.
const (
	RecordVisit    = 1
	RecordDelivery = 2
)

// Local is the wall clock the source system stores event dates in.
var Local = time.FixedZone("UTC-3", -3*60*60)

var (
	partialStatuses   = map[string]bool{"partial": true, "partial_delivery": true, "partially_delivered": true, "partial_completed": true, "parcial": true}
	completedStatuses = map[string]bool{"completed": true, "delivered": true, "finished": true, "done": true, "entregue": true}
	failedStatuses    = map[string]bool{
		"failed": true, "cancelled": true, "canceled": true, "suspended": true,
		"paused": true, "rejected": true, "not_delivered": true, "undelivered": true,
	}
)

// nestedKeys are the callback objects searched after the top level.
var nestedKeys = []string{"properties", "extra_field_values", "payload", "metadata"}

var (
	referenceKeys = []string{"reference", "external_id", "externalId", "ID_REGISTRO", "idregistro", "IDADMISSION", "ID_ATENDIMENTO", "IDREFERENCE"}
	eventTimeKeys = []string{"checkout_time", "eventdate", "event_date", "status_date", "completed_at", "modified", "updated_at", "created"}
)

// Callback is one decoded visit-update callback.
type Callback map[string]any

// Event is a callback mapped to a status row.
type Event struct {
	Reference   string    `json:"reference"`
	ReferenceID *int64    `json:"referenceId"`
	EventDate   time.Time `json:"eventDate"`
	AdmissionID *int64    `json:"admissionId"`
	RegistroID  *string   `json:"registroId"`
	RecordType  int       `json:"recordType"`
	Status      Code      `json:"status"`
	Information string    `json:"information"`
	Observation string    `json:"observation"`
	VisitType   string    `json:"visitType,omitempty"`
	RawStatus   string    `json:"rawStatus"`
}

// DecodeCallbacks reads a request body holding one callback object or an
// array of them.
func DecodeCallbacks(body []byte) ([]Callback, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadBody)
	}
	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(trimmed))
		d.UseNumber()
		return d.Decode(v)
	}
	if trimmed[0] == '[' {
		var list []Callback
		if err := dec(&list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
		}
		return list, nil
	}
	var one Callback
	if err := dec(&one); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	return []Callback{one}, nil
}

// Map turns a callback into a status event. now supplies the event time
// when the callback carries none.
func Map(cb Callback, now time.Time) (Event, error) {
	raw := text(cb["status"])
	code, ok := MapStatus(raw, cb["checkout_comment"])
	if !ok {
		return Event{RawStatus: raw}, fmt.Errorf("%w: %q", ErrUnmappedStatus, raw)
	}

	ev := Event{
		Reference:   ResolveReference(cb),
		EventDate:   EventTime(cb, now),
		RecordType:  InferRecordType(cb),
		Status:      code,
		Information: code.Information(),
		Observation: Observation(cb),
		VisitType:   text(cb["visit_type"]),
		RawStatus:   raw,
	}
	ev.ReferenceID = toInt(ev.Reference)
	if ev.Reference != "" {
		if ev.RecordType == RecordVisit {
			ev.AdmissionID = ev.ReferenceID
		} else {
			reg := ev.Reference
			if len(reg) > 6 {
				reg = reg[:6]
			}
			ev.RegistroID = &reg
		}
	}
	return ev, nil
}

// MapStatus maps a callback status to its code. A checkout comment that
// mentions a partial delivery wins over the status itself.
func MapStatus(status, checkoutComment any) (Code, bool) {
	s := strings.ToLower(text(status))
	if s == "" {
		return 0, false
	}
	if strings.Contains(strings.ToLower(text(checkoutComment)), "parcial") {
		return CodePartial, true
	}
	switch {
	case partialStatuses[s] || strings.Contains(s, "partial"):
		return CodePartial, true
	case completedStatuses[s]:
		return CodeDelivered, true
	case failedStatuses[s]:
		return CodeFailed, true
	}
	return 0, false
}

// InferRecordType reads an explicit record type, then the visit tag, then
// the record_type property; deliveries are the fallback.
func InferRecordType(cb Callback) int {
	if n, ok := visit.ParseRecordType(first(cb, false, "tpregistro", "TPREGISTRO")); ok && (n == RecordVisit || n == RecordDelivery) {
		return n
	}
	tag := strings.ToLower(text(cb["visit_type"]))
	switch {
	case visit.IsDeliveryTag(tag), tag == "entrega", tag == "delivery":
		return RecordDelivery
	case visit.IsServiceTag(tag):
		return RecordVisit
	}
	if props, ok := cb["properties"].(map[string]any); ok {
		if strings.EqualFold(text(props["record_type"]), "entrega") {
			return RecordDelivery
		}
	}
	return RecordDelivery
}

// ResolveReference finds the visit reference, top level first, then the
// nested objects.
func ResolveReference(cb Callback) string {
	for _, k := range referenceKeys {
		if s := text(first(cb, true, k)); s != "" {
			return strings.TrimSuffix(s, ".0")
		}
	}
	return ""
}

// Observation joins the checkout comment and the second-route checkout
// field.
func Observation(cb Callback) string {
	comment := text(cb["checkout_comment"])
	var rota2 string
	if extra, ok := cb["extra_field_values"].(map[string]any); ok {
		rota2 = text(extra["checkout_rota2"])
	}
	switch {
	case comment != "" && rota2 != "":
		return comment + " | " + rota2
	case comment != "":
		return comment
	}
	return rota2
}

// EventTime returns the first parseable callback timestamp in the source
// wall clock, or now.
func EventTime(cb Callback, now time.Time) time.Time {
	for _, k := range eventTimeKeys {
		if t, ok := parseTime(first(cb, true, k)); ok {
			return t.In(Local)
		}
	}
	return now.In(Local)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(int64(f), 0), true
	case float64:
		return time.Unix(int64(t), 0), true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			// Layouts without an offset are source wall-clock times.
			if ts, err := time.ParseInLocation(layout, s, Local); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// first looks keys up case-insensitively on the callback and, when nested
// is set, on its nested objects.
func first(cb Callback, nested bool, keys ...string) any {
	containers := []map[string]any{cb}
	if nested {
		for _, k := range nestedKeys {
			if m, ok := cb[k].(map[string]any); ok {
				containers = append(containers, m)
			}
		}
	}
	for _, c := range containers {
		for _, want := range keys {
			if v := lookupFold(c, want); v != nil {
				return v
			}
		}
	}
	return nil
}

// lookupFold finds want in m. The exact key wins; among case variants the
// first in sorted order does.
func lookupFold(m map[string]any, want string) any {
	if v, ok := m[want]; ok && text(v) != "" {
		return v
	}
	var variants []string
	for k := range m {
		if k != want && strings.EqualFold(k, want) {
			variants = append(variants, k)
		}
	}
	sort.Strings(variants)
	for _, k := range variants {
		if v := m[k]; text(v) != "" {
			return v
		}
	}
	return nil
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func toInt(s string) *int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
