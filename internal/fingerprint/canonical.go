package fingerprint

import (
	"bytes"
	"encoding/json"
	"sort"
)

// appendCanonicalJSON writes the canonical serialization of a decoded JSON
// value: object keys sorted recursively, arrays in order, numbers emitted as
// their original lexemes, strings re-escaped by encoding/json.
func appendCanonicalJSON(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case json.Number:
		buf.WriteString(t.String())

	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)

	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendCanonicalJSON(buf, e)
		}
		buf.WriteByte(']')

	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			appendCanonicalJSON(buf, t[k])
		}
		buf.WriteByte('}')

	default:
		// Decoding with UseNumber never produces other types; fall back to
		// the stdlib encoder rather than silently dropping the value.
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}
