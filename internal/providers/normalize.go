package providers

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Fields dropped from every provider's body before hashing. These are the
// knobs that change the wire bytes without changing the semantic request:
// streaming flags, end-user identifiers, and randomised salts.
var commonDroppedFields = []string{
	"stream",
	"stream_options",
	"user",
	"seed",
}

// CanonicalJSON transforms body into the canonical byte string hashed into
// cache keys. Rules:
//
//   - invalid JSON normalises to the raw bytes unchanged;
//   - dropped fields (dotted paths, e.g. "metadata.user_id") are removed;
//   - numbers are compared by value after rounding to 2 decimal places, so
//     0 and 0.0 hash identically;
//   - object keys are emitted sorted; arrays element-wise.
func CanonicalJSON(body []byte, extraDropped ...string) []byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return body
	}
	// Trailing garbage after the first value also disqualifies the body.
	if dec.More() {
		return body
	}

	dropped := make([]string, 0, len(commonDroppedFields)+len(extraDropped))
	dropped = append(dropped, commonDroppedFields...)
	dropped = append(dropped, extraDropped...)
	for _, path := range dropped {
		v = dropPath(v, strings.Split(path, "."))
	}

	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

// dropPath removes the value at the dotted path from nested maps.
func dropPath(v any, path []string) any {
	m, ok := v.(map[string]any)
	if !ok || len(path) == 0 {
		return v
	}
	if len(path) == 1 {
		delete(m, path[0])
		return m
	}
	if child, ok := m[path[0]]; ok {
		m[path[0]] = dropPath(child, path[1:])
	}
	return m
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
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
			writeString(buf, k)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')

	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, elem)
		}
		buf.WriteByte(']')

	case json.Number:
		buf.WriteString(canonicalNumber(val))

	case string:
		writeString(buf, val)

	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case nil:
		buf.WriteString("null")
	}
}

// canonicalNumber renders a JSON number rounded to 2 decimal places in its
// shortest form: "0.70" and 0.7 both become "0.7"; 0 and 0.0 become "0".
func canonicalNumber(n json.Number) string {
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	r := math.Round(f*100) / 100
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func writeString(buf *bytes.Buffer, s string) {
	enc, _ := json.Marshal(s)
	buf.Write(enc)
}
