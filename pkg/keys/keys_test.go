package keys

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyPattern = regexp.MustCompile(`^/users\|[0-9a-f]{8}$`)

func TestDerive_NoParams(t *testing.T) {
	key, err := Derive("/users", nil)
	require.NoError(t, err)
	assert.Equal(t, "/users", key)

	key, err = Derive("/users", json.RawMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, "/users", key)
}

func TestDerive_Format(t *testing.T) {
	key, err := Derive("/users", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Regexp(t, keyPattern, key)
	assert.True(t, strings.HasPrefix(key, "/users|"))
}

func TestDerive_MemberOrderIrrelevant(t *testing.T) {
	a := MustDerive("fetch", json.RawMessage(`{"a":1,"b":2}`))
	b := MustDerive("fetch", json.RawMessage(`{"b":2,"a":1}`))
	assert.Equal(t, a, b)

	type params struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	c := MustDerive("fetch", params{A: 1, B: 2})
	d := MustDerive("fetch", map[string]int{"a": 1, "b": 2})
	assert.Equal(t, a, c)
	assert.Equal(t, a, d)
}

func TestDerive_NestedSortedAtEveryLevel(t *testing.T) {
	a := MustDerive("fetch", json.RawMessage(`{"z":{"y":1,"x":{"q":true,"p":null}},"a":[{"d":1,"c":2}]}`))
	b := MustDerive("fetch", json.RawMessage(`{"a":[{"c":2,"d":1}],"z":{"x":{"p":null,"q":true},"y":1}}`))
	assert.Equal(t, a, b)
}

func TestDerive_Sensitivity(t *testing.T) {
	tests := []struct {
		name string
		a    any
		b    any
	}{
		{"array order", []int{1, 2, 3}, []int{1, 3, 2}},
		{"array length", map[string]any{"a": []int{1, 2}}, map[string]any{"a": []int{1, 2, 3}}},
		{"number vs string", 1, "1"},
		{"deep leaf", json.RawMessage(`{"a":{"b":{"c":1}}}`), json.RawMessage(`{"a":{"b":{"c":2}}}`)},
		{"member name", map[string]int{"a": 1}, map[string]int{"b": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, MustDerive("fetch", tt.a), MustDerive("fetch", tt.b))
		})
	}
}

func TestDerive_FalsyValuesDistinct(t *testing.T) {
	values := map[string]any{
		"zero":  0,
		"false": false,
		"empty": "",
		"null":  Null,
		"nil":   nil,
	}

	seen := make(map[string]string)
	for label, v := range values {
		key := MustDerive("fetch", v)
		if prev, ok := seen[key]; ok {
			t.Fatalf("keys:keys_test - %s and %s share key %q", label, prev, key)
		}
		seen[key] = label
	}
}

func TestDerive_AbsentVersusNull(t *testing.T) {
	type optional struct {
		ID   int  `json:"id"`
		Page *int `json:"page,omitempty"`
	}

	absent := MustDerive("fetch", optional{ID: 1})
	omitted := MustDerive("fetch", map[string]any{"id": 1})
	null := MustDerive("fetch", map[string]any{"id": 1, "page": nil})

	assert.Equal(t, absent, omitted, "an omitted member is the same as a missing one")
	assert.NotEqual(t, absent, null, "an explicit null member is a distinct input")
}

func TestDerive_InvalidRawParams(t *testing.T) {
	_, err := Derive("fetch", json.RawMessage(`{"a":`))
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = Derive("fetch", make(chan int))
	require.Error(t, err)

	assert.Panics(t, func() { MustDerive("fetch", make(chan int)) })
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name   string
		params any
		want   string
	}{
		{"nil", nil, ""},
		{"null", Null, "null"},
		{"number shortest form", json.RawMessage(`1.50`), "1.5"},
		{"integral float", json.RawMessage(`100.00`), "100"},
		{"exponent", json.RawMessage(`1e2`), "100"},
		{"large exponent", json.RawMessage(`1e21`), "1e+21"},
		{"negative zero", json.RawMessage(`-0.0`), "0"},
		{"big integer keeps digits", json.RawMessage(`9007199254740993`), "9007199254740993"},
		{"string", "a\"b", `"a\"b"`},
		{"nested", json.RawMessage(` { "b" : 2, "a" : { "d" : 1, "c" : [3, 1] } } `), `{"a":{"c":[3,1],"d":1},"b":2}`},
		{"duplicate member last wins", json.RawMessage(`{"a":1,"a":2}`), `{"a":2}`},
		{"empty object", map[string]any{}, "{}"},
		{"empty array", []int{}, "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDerive_NumberLiteralsCanonical(t *testing.T) {
	want := MustDerive("/users", map[string]any{"id": 1.0, "n": 100})

	for _, raw := range []string{
		`{"id":1,"n":100}`,
		`{"id":1.0,"n":100}`,
		`{"id":1,"n":1e2}`,
		`{"n":100.00,"id":1}`,
		`{"id":10e-1,"n":1.00E+2}`,
	} {
		assert.Equal(t, want, MustDerive("/users", json.RawMessage(raw)), raw)
	}

	assert.Equal(t, MustDerive("x", 0), MustDerive("x", json.RawMessage(`-0`)))
	assert.NotEqual(t, MustDerive("x", 1), MustDerive("x", "1"))
	assert.NotEqual(t, MustDerive("x", json.RawMessage(`1.5`)), MustDerive("x", json.RawMessage(`1.05`)))
	assert.NotEqual(t,
		MustDerive("x", json.RawMessage(`9007199254740993`)),
		MustDerive("x", json.RawMessage(`9007199254740992`)),
		"integers beyond float64 precision keep their digits")
	assert.Equal(t,
		MustDerive("x", int64(9007199254740993)),
		MustDerive("x", json.RawMessage(`9007199254740993`)))
}

func TestDerive_InvalidUTF8UsesReplacementChar(t *testing.T) {
	assert.Equal(t, MustDerive("x", "a\xff"), MustDerive("x", "a\xfe"))
	assert.Equal(t, MustDerive("x", "a\xff"), MustDerive("x", "a\ufffd"))
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "", Encode(""))
	assert.Len(t, Encode("{}"), 8)
	assert.Equal(t, Encode(`{"a":1}`), Encode(`{"a":1}`))
}

// TestDerive_PermutationProperty renders random documents with shuffled member
// order and checks every rendering maps to the same key.
func TestDerive_PermutationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		doc := randomValue(rng, 0)
		want := MustDerive("prop", json.RawMessage(render(rng, doc)))
		for j := 0; j < 5; j++ {
			rendered := render(rng, doc)
			got := MustDerive("prop", json.RawMessage(rendered))
			if got != want {
				t.Fatalf("keys:keys_test - permutation changed key: %s gave %q, want %q", rendered, got, want)
			}
		}
	}
}

type member struct {
	name  string
	value any
}

func randomValue(rng *rand.Rand, depth int) any {
	kind := rng.Intn(6)
	if depth >= 3 {
		kind = rng.Intn(3)
	}
	switch kind {
	case 0:
		return rng.Intn(1000)
	case 1:
		return fmt.Sprintf("s%d", rng.Intn(50))
	case 2:
		return rng.Intn(2) == 0
	case 3:
		n := rng.Intn(4)
		arr := make([]any, n)
		for i := range arr {
			arr[i] = randomValue(rng, depth+1)
		}
		return arr
	default:
		n := rng.Intn(5)
		obj := make([]member, 0, n)
		used := make(map[string]bool)
		for len(obj) < n {
			name := fmt.Sprintf("k%d", rng.Intn(20))
			if used[name] {
				continue
			}
			used[name] = true
			obj = append(obj, member{name: name, value: randomValue(rng, depth+1)})
		}
		return obj
	}
}

func render(rng *rand.Rand, v any) string {
	switch val := v.(type) {
	case int:
		return strconv.Itoa(val)
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, len(val))
		for i, el := range val {
			parts[i] = render(rng, el)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []member:
		shuffled := append([]member(nil), val...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		parts := make([]string, len(shuffled))
		for i, m := range shuffled {
			parts[i] = strconv.Quote(m.name) + ":" + render(rng, m.value)
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	return "null"
}
