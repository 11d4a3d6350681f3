// Package keys derives deterministic cache keys for endpoint invocations.
//
// A key is the endpoint name, optionally followed by "|" and an eight digit
// hex digest of the canonical JSON form of the call parameters. Object
// members are sorted at every depth so member order never affects the key;
// array order always does. Numbers are rewritten to the shortest float64
// form, so 1, 1.0 and 1e0 share a key; integer literals beyond 2^53 keep
// their digits.
//
// Strings go through encoding/json, which replaces invalid UTF-8 with
// U+FFFD. Params differing only in invalid bytes therefore share a key.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
)

const logPrefix = "keys:keys"

// Separator joins the endpoint name and the params digest.
const Separator = "|"

// Null is an explicit JSON null. Passing it as params yields a key distinct
// from passing nil, which means "no params".
var Null = json.RawMessage("null")

// ErrInvalidParams is returned when raw params are not valid JSON.
var ErrInvalidParams = errors.New("params are not valid JSON")

// Derive returns the cache key for an invocation of name with params.
// A nil params value (or an empty json.RawMessage) yields name unchanged.
func Derive(name string, params any) (string, error) {
	canonical, err := Canonical(params)
	if err != nil {
		return "", fmt.Errorf("%s - failed to derive key for %q: %w", logPrefix, name, err)
	}
	encoded := Encode(canonical)
	if encoded == "" {
		return name, nil
	}
	return name + Separator + encoded, nil
}

// MustDerive is like Derive but panics when params cannot be encoded.
func MustDerive(name string, params any) string {
	key, err := Derive(name, params)
	if err != nil {
		panic(err)
	}
	return key
}

// Encode folds a 64-bit xxhash of canonical into 32 bits and renders it as
// zero-padded lowercase hex. The empty string encodes to the empty string.
func Encode(canonical string) string {
	if canonical == "" {
		return ""
	}
	sum := xxhash.Sum64String(canonical)
	return fmt.Sprintf("%08x", uint32(sum>>32)^uint32(sum))
}

// Canonical returns the normalized JSON serialization of params.
func Canonical(params any) (string, error) {
	raw, err := marshal(params)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", nil
	}
	if !gjson.ValidBytes(raw) {
		return "", ErrInvalidParams
	}

	var b strings.Builder
	if err := writeCanonical(&b, gjson.ParseBytes(raw)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func marshal(params any) ([]byte, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode params: %w", logPrefix, err)
	}
	return raw, nil
}

func writeCanonical(b *strings.Builder, r gjson.Result) error {
	switch r.Type {
	case gjson.String:
		return writeString(b, r.String())
	case gjson.Number:
		b.WriteString(canonicalNumber(r.Raw))
		return nil
	case gjson.True:
		b.WriteString("true")
		return nil
	case gjson.False:
		b.WriteString("false")
		return nil
	case gjson.Null:
		b.WriteString("null")
		return nil
	}

	if r.IsArray() {
		b.WriteByte('[')
		var err error
		i := 0
		r.ForEach(func(_, v gjson.Result) bool {
			if i > 0 {
				b.WriteByte(',')
			}
			i++
			err = writeCanonical(b, v)
			return err == nil
		})
		if err != nil {
			return err
		}
		b.WriteByte(']')
		return nil
	}

	// Duplicate member names resolve last-wins, matching encoding/json.
	members := make(map[string]gjson.Result)
	r.ForEach(func(k, v gjson.Result) bool {
		members[k.String()] = v
		return true
	})
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeString(b, name); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := writeCanonical(b, members[name]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// maxExactInt is the largest magnitude below which every integer is exact
// in a float64.
const maxExactInt = 1 << 53

// canonicalNumber renders a JSON number literal the way encoding/json
// renders the float64 it denotes. Negative zero becomes 0.
func canonicalNumber(raw string) string {
	raw = strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	if !strings.ContainsAny(raw, ".eE") && math.Abs(f) > maxExactInt {
		return raw
	}
	if f == 0 {
		f = 0
	}
	out, err := json.Marshal(f)
	if err != nil {
		return raw
	}
	return string(out)
}

func writeString(b *strings.Builder, s string) error {
	quoted, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%s - failed to encode string: %w", logPrefix, err)
	}
	b.Write(quoted)
	return nil
}
