// Package canonical produces the deterministic JSON encoding used for
// content addressing and signing.
//
// Two logically equal documents (same keys and values, any insertion order)
// encode to byte-identical output: object keys are sorted ascending by byte
// value at every nesting level, array order is preserved, forward slashes
// and multi-byte characters are left unescaped, and numeric literals pass
// through verbatim. Third parties verifying a signature re-derive exactly
// these bytes, so the encoding must never drift.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal encodes v into canonical JSON bytes.
//
// v may be any JSON-encodable value. The input is never mutated; it is
// normalized into a fresh value tree before encoding.
func Marshal(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json so that structs, maps and
// raw messages all collapse into the same tree shape. UseNumber keeps
// numeric literals verbatim instead of going through float64.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return out, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(val))
	case string:
		return encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// encodeString writes s as a JSON string without HTML escaping, so "/" and
// multi-byte characters survive unescaped.
func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	// Encode terminates the value with a newline; the canonical form has none.
	buf.Truncate(buf.Len() - 1)
	return nil
}
