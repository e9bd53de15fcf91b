package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PrettyPrint returns a pretty-printed JSON string
func PrettyPrint(data interface{}) (string, error) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}

// DecodeJSON unmarshals data keeping numbers as json.Number, so whole
// numbers survive as integers instead of becoming float64.
func DecodeJSON(data []byte, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}
