package workflow

import (
	"bytes"
	"encoding/json"
)

// InputMap is a JSON object that remembers insertion order. The execution
// format's input ordering is observable by downstream consumers, so a plain
// map (sorted keys on marshal) cannot carry it.
type InputMap struct {
	keys   []string
	values map[string]any
}

// NewInputMap creates an empty InputMap.
func NewInputMap() *InputMap {
	return &InputMap{values: make(map[string]any)}
}

// Set inserts or overwrites a key. An overwritten key keeps its original
// position.
func (m *InputMap) Set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key.
func (m *InputMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *InputMap) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Len returns the number of entries.
func (m *InputMap) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order. The slice is shared; callers
// must not mutate it.
func (m *InputMap) Keys() []string { return m.keys }

// MarshalJSON emits the entries in insertion order without escaping
// non-ASCII keys or values.
func (m *InputMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(&buf, key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encodeValue(&buf, m.values[key]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeValue appends one JSON value with HTML escaping disabled, trimming
// the encoder's trailing newline.
func encodeValue(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}
