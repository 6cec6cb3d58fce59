package etl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"visitrelay/internal/visit"
)

// payloadSchema lists what the routing API needs to place a visit.
const payloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "address", "planned_date"],
  "properties": {
    "title":        {"type": "string", "minLength": 1},
    "address":      {"type": "string", "minLength": 1},
    "planned_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "duration":     {"type": "string", "pattern": "^[0-9]{2,}:[0-5][0-9]:[0-5][0-9]$"},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "quantity_planned"],
        "properties": {
          "title":            {"type": "string", "minLength": 1},
          "quantity_planned": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

// PayloadValidator checks built payloads before they are sent.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator compiles the payload schema.
func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("visit_payload.json", strings.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("visit_payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// MustPayloadValidator is NewPayloadValidator for package-level use.
func MustPayloadValidator() *PayloadValidator {
	v, err := NewPayloadValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate reports why a payload would be rejected. Null fields count as
// absent.
func (v *PayloadValidator) Validate(p *visit.Payload) error {
	data, err := json.Marshal(p.Compact())
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload %q: %w", p.Reference(), err)
	}
	return nil
}
