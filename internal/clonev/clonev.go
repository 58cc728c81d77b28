// Package clonev provides interchangeable deep-copy strategies for value
// snapshots. Selection is a configuration-time choice.
package clonev

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Strategy produces a deep copy of src into dst, which must be a pointer
// to a value of src's type.
type Strategy interface {
	Clone(src, dst any) error
}

// JSON deep-copies by round-tripping through the JSON tree serialization.
// It works for any JSON-representable value and is the default.
type JSON struct{}

func (JSON) Clone(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("clone marshal: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("clone unmarshal: %w", err)
	}
	return nil
}

// Gob deep-copies through the gob binary schema. Faster than JSON for
// large struct values, but the value's types must be gob-encodable
// (exported fields, concrete types registered where interfaces occur).
type Gob struct{}

func (Gob) Clone(src, dst any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(src); err != nil {
		return fmt.Errorf("clone encode: %w", err)
	}
	if err := gob.NewDecoder(&buf).Decode(dst); err != nil {
		return fmt.Errorf("clone decode: %w", err)
	}
	return nil
}
