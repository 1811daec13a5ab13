package providers

import (
	"bytes"
	"math/rand"
	"strconv"
	"strings"
	"testing"
)

func TestCanonicalJSONEquivalentBodies(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "key order",
			a:    `{"model":"gpt-4","temperature":0.7}`,
			b:    `{"temperature":0.7,"model":"gpt-4"}`,
		},
		{
			name: "integer vs float zero",
			a:    `{"temperature":0}`,
			b:    `{"temperature":0.0}`,
		},
		{
			name: "trailing zero",
			a:    `{"temperature":0.70}`,
			b:    `{"temperature":0.7}`,
		},
		{
			name: "stream flag dropped",
			a:    `{"model":"gpt-4","stream":true}`,
			b:    `{"model":"gpt-4"}`,
		},
		{
			name: "stream options dropped",
			a:    `{"model":"gpt-4","stream":true,"stream_options":{"include_usage":true}}`,
			b:    `{"model":"gpt-4"}`,
		},
		{
			name: "user and seed dropped",
			a:    `{"model":"gpt-4","user":"abc","seed":42}`,
			b:    `{"model":"gpt-4"}`,
		},
		{
			name: "whitespace",
			a:    "{ \"model\" : \"gpt-4\" ,\n \"n\": 1 }",
			b:    `{"n":1,"model":"gpt-4"}`,
		},
		{
			name: "nested objects sorted",
			a:    `{"a":{"z":1,"y":2},"b":[{"k":1,"j":2}]}`,
			b:    `{"b":[{"j":2,"k":1}],"a":{"y":2,"z":1}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca := CanonicalJSON([]byte(tt.a))
			cb := CanonicalJSON([]byte(tt.b))
			if !bytes.Equal(ca, cb) {
				t.Errorf("canonical forms differ:\n  a: %s\n  b: %s", ca, cb)
			}
		})
	}
}

func TestCanonicalJSONDistinctBodies(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "different temperature",
			a:    `{"temperature":0.7}`,
			b:    `{"temperature":0.8}`,
		},
		{
			name: "rounding keeps two decimals",
			a:    `{"temperature":0.71}`,
			b:    `{"temperature":0.72}`,
		},
		{
			name: "array order matters",
			a:    `{"messages":[{"role":"user"},{"role":"system"}]}`,
			b:    `{"messages":[{"role":"system"},{"role":"user"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca := CanonicalJSON([]byte(tt.a))
			cb := CanonicalJSON([]byte(tt.b))
			if bytes.Equal(ca, cb) {
				t.Errorf("canonical forms should differ, both are %s", ca)
			}
		})
	}
}

func TestCanonicalJSONRounding(t *testing.T) {
	// 0.125 rounds away from the third decimal and collides with 0.13.
	a := CanonicalJSON([]byte(`{"top_p":0.125}`))
	b := CanonicalJSON([]byte(`{"top_p":0.13}`))
	if !bytes.Equal(a, b) {
		t.Errorf("0.125 and 0.13 should round to the same form: %s vs %s", a, b)
	}
}

func TestCanonicalJSONInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "hello world"},
		{"truncated", `{"model":`},
		{"trailing garbage", `{"model":"gpt-4"} extra`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalJSON([]byte(tt.body))
			if !bytes.Equal(got, []byte(tt.body)) {
				t.Errorf("invalid JSON must normalise to its raw bytes, got %q", got)
			}
		})
	}
}

func TestCanonicalJSONDottedDrop(t *testing.T) {
	a := CanonicalJSON([]byte(`{"metadata":{"user_id":"u1","trace":"t"},"model":"m"}`), "metadata.user_id")
	b := CanonicalJSON([]byte(`{"metadata":{"trace":"t"},"model":"m"}`), "metadata.user_id")
	if !bytes.Equal(a, b) {
		t.Errorf("dotted drop path not applied: %s vs %s", a, b)
	}
}

// randDoc builds a random JSON document as Go values. Numbers are drawn from
// a small literal pool so both renderings of a document emit identical
// number tokens and only key order and whitespace vary between them.
func randDoc(r *rand.Rand, depth int) any {
	if depth <= 0 {
		return randScalar(r)
	}
	switch r.Intn(4) {
	case 0:
		n := r.Intn(5)
		obj := make(map[string]any, n)
		for i := 0; i < n; i++ {
			obj["k"+strconv.Itoa(r.Intn(10))] = randDoc(r, depth-1)
		}
		return obj
	case 1:
		n := r.Intn(4)
		arr := make([]any, n)
		for i := range arr {
			arr[i] = randDoc(r, depth-1)
		}
		return arr
	default:
		return randScalar(r)
	}
}

func randScalar(r *rand.Rand) any {
	switch r.Intn(5) {
	case 0:
		return "s" + strconv.Itoa(r.Intn(1000))
	case 1:
		return []string{"0", "1", "0.5", "0.75", "42", "-3", "100"}[r.Intn(7)]
	case 2:
		return true
	case 3:
		return false
	default:
		return nil
	}
}

// renderJSON serialises doc with object keys in random order and random
// whitespace between tokens.
func renderJSON(r *rand.Rand, sb *strings.Builder, doc any) {
	pad := func() {
		sb.WriteString([]string{"", " ", "\n", "\t", "  "}[r.Intn(5)])
	}
	switch v := doc.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		r.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			pad()
			sb.WriteString(strconv.Quote(k))
			pad()
			sb.WriteByte(':')
			pad()
			renderJSON(r, sb, v[k])
		}
		pad()
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			pad()
			renderJSON(r, sb, e)
		}
		pad()
		sb.WriteByte(']')
	case string:
		// Bare strings from the number pool are emitted as number literals;
		// everything else is a JSON string.
		if v != "" && (v[0] == '-' || (v[0] >= '0' && v[0] <= '9')) {
			sb.WriteString(v)
		} else {
			sb.WriteString(strconv.Quote(v))
		}
	case bool:
		sb.WriteString(strconv.FormatBool(v))
	default:
		sb.WriteString("null")
	}
}

func TestCanonicalJSONStableUnderPermutation(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		n := 1 + r.Intn(6)
		doc := make(map[string]any, n)
		for j := 0; j < n; j++ {
			doc["f"+strconv.Itoa(r.Intn(12))] = randDoc(r, 3)
		}

		var a, b strings.Builder
		renderJSON(r, &a, doc)
		renderJSON(r, &b, doc)

		ca := CanonicalJSON([]byte(a.String()))
		cb := CanonicalJSON([]byte(b.String()))
		if !bytes.Equal(ca, cb) {
			t.Fatalf("iteration %d: permuted renderings canonicalise differently:\n  in a: %s\n  in b: %s\n  out a: %s\n  out b: %s",
				i, a.String(), b.String(), ca, cb)
		}
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	body := []byte(`{"b":2,"a":[1,{"z":0.5,"y":"s"}],"c":{"n":null,"t":true}}`)
	first := CanonicalJSON(body)
	for i := 0; i < 50; i++ {
		if got := CanonicalJSON(body); !bytes.Equal(got, first) {
			t.Fatalf("iteration %d produced %s, want %s", i, got, first)
		}
	}
}
