// Package document holds the opaque key-value payload type carried by outbox
// events, saga payloads and saga step outputs. The core never interprets the
// contents; handlers and steps validate their own schema.
package document

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Document is a JSON-compatible key-value document.
type Document map[string]any

// Clone returns a shallow copy. Nested maps and slices are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Merge returns a copy of d with the keys of other applied on top.
func (d Document) Merge(other Document) Document {
	out := make(Document, len(d)+len(other))
	maps.Copy(out, d)
	maps.Copy(out, other)
	return out
}

// String returns the value under key if it is a string.
func (d Document) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Int64 returns the value under key as an int64. Numbers decoded from JSON
// arrive as float64 and are converted when they carry no fractional part.
func (d Document) Int64(key string) (int64, bool) {
	switch v := d[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Marshal encodes the document for a jsonb column. A nil document encodes as
// an empty object so the column never stores SQL NULL.
func Marshal(d Document) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a jsonb column value.
func Unmarshal(raw []byte) (Document, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	d := make(Document)
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return d, nil
}
