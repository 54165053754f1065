package tabular

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalObject returns the canonical compact encoding of a JSON-compatible
// value: no insignificant whitespace, no HTML escaping, map keys sorted.
func MarshalObject(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode object: %w", err)
	}
	// Encode terminates the document with a newline.
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// UnmarshalObject decodes an encoding produced by MarshalObject. Numbers are
// returned as json.Number so integers keep their exact value.
func UnmarshalObject(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode object: trailing data")
	}
	return v, nil
}
