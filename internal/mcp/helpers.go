package mcpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
)

func boolPtr(v bool) *bool { return &v }

// decodeArg decodes a tool argument that clients send either as a JSON
// string or as an already structured value.
func decodeArg(args map[string]any, key string, target any) error {
	var data []byte
	switch v := args[key].(type) {
	case nil:
		return fmt.Errorf("%s is required", key)
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		data = b
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

// marshalJSON encodes v indented without HTML escaping.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
