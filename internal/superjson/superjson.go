// Package superjson implements the superjson wire format: a JSON document of the
// shape {"json": <plain value>, "meta": {"values": <annotations>}} where the
// annotations record which leaves must be revived as richer types (Date,
// bigint, non-finite numbers, ...). Plain JSON peers can still read the "json"
// member; superjson peers get lossless round trips.
//
// Go values map onto annotations as follows:
//
//	time.Time          <-> "Date"    (ISO-8601 string, millisecond precision, UTC)
//	*big.Int / big.Int <-> "bigint"  (decimal string)
//	NaN, ±Inf floats   <-> "number"  ("NaN", "Infinity", "-Infinity")
//	(decode only)          "undefined" -> nil, "set" -> []interface{}, "map" -> map[string]interface{}
package superjson

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Annotation type names understood by superjson.
const (
	TypeDate      = "Date"
	TypeBigInt    = "bigint"
	TypeNumber    = "number"
	TypeUndefined = "undefined"
	TypeSet       = "set"
	TypeMap       = "map"
)

// isoLayout matches JavaScript's Date.prototype.toISOString.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformed is returned when a document is not a superjson envelope.
var ErrMalformed = errors.New("superjson: malformed document")

type document struct {
	JSON json.RawMessage `json:"json"`
	Meta *meta           `json:"meta,omitempty"`
}

type meta struct {
	Values interface{} `json:"values,omitempty"`
}

// Marshal encodes v in the superjson format.
func Marshal(v interface{}) ([]byte, error) {
	plain, ann, err := walk(v)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"json": plain}
	if ann != nil {
		out["meta"] = map[string]interface{}{"values": ann}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("superjson: marshal: %w", err)
	}
	return data, nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v interface{}) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unmarshal decodes a superjson document into a generic value tree made of
// map[string]interface{}, []interface{}, string, float64, bool, nil,
// time.Time and *big.Int.
func Unmarshal(data []byte) (interface{}, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("superjson: unmarshal: %w", err)
	}
	if doc.JSON == nil {
		return nil, ErrMalformed
	}
	var plain interface{}
	if err := json.Unmarshal(doc.JSON, &plain); err != nil {
		return nil, fmt.Errorf("superjson: unmarshal json member: %w", err)
	}
	if doc.Meta == nil || doc.Meta.Values == nil {
		return plain, nil
	}
	return applyTree(plain, doc.Meta.Values)
}

// UnmarshalInto decodes a superjson document into dst, which may be any value
// accepted by json.Unmarshal.
func UnmarshalInto(data []byte, dst interface{}) error {
	v, err := Unmarshal(data)
	if err != nil {
		return err
	}
	return Convert(v, dst)
}

// Convert copies a decoded generic tree into a typed destination. Revived
// values are re-encoded the way encoding/json expects them (time.Time as
// RFC 3339, *big.Int as a number).
func Convert(v interface{}, dst interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("superjson: convert: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("superjson: convert: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoding: applying annotations
// ---------------------------------------------------------------------------

// applyTree applies an annotation tree to v. A tree is either a leaf
// ["Type"], a composite ["Type", {inner}], or an object of escaped dotted
// paths mapping to trees.
func applyTree(v interface{}, tree interface{}) (interface{}, error) {
	switch t := tree.(type) {
	case []interface{}:
		if len(t) == 0 {
			return nil, fmt.Errorf("%w: empty annotation", ErrMalformed)
		}
		name, ok := t[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: annotation type is %T", ErrMalformed, t[0])
		}
		if len(t) > 1 {
			inner, err := applyTree(v, t[1])
			if err != nil {
				return nil, err
			}
			v = inner
		}
		return revive(name, v)
	case map[string]interface{}:
		for p, sub := range t {
			var err error
			v, err = applyAt(v, splitPath(p), sub)
			if err != nil {
				return nil, err
			}
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: annotation tree is %T", ErrMalformed, tree)
	}
}

func applyAt(v interface{}, path []string, tree interface{}) (interface{}, error) {
	if len(path) == 0 {
		return applyTree(v, tree)
	}
	switch node := v.(type) {
	case map[string]interface{}:
		child, ok := node[path[0]]
		if !ok {
			return v, nil
		}
		nv, err := applyAt(child, path[1:], tree)
		if err != nil {
			return nil, err
		}
		node[path[0]] = nv
		return node, nil
	case []interface{}:
		idx, ok := parseIndex(path[0])
		if !ok || idx >= len(node) {
			return v, nil
		}
		nv, err := applyAt(node[idx], path[1:], tree)
		if err != nil {
			return nil, err
		}
		node[idx] = nv
		return node, nil
	default:
		return v, nil
	}
}

func revive(name string, v interface{}) (interface{}, error) {
	switch name {
	case TypeDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: Date value is %T", ErrMalformed, v)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("superjson: invalid Date %q: %w", s, err)
		}
		return t, nil
	case TypeBigInt:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: bigint value is %T", ErrMalformed, v)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("superjson: invalid bigint %q", s)
		}
		return n, nil
	case TypeNumber:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return nil, fmt.Errorf("superjson: invalid number %v", v)
	case TypeUndefined:
		return nil, nil
	case TypeSet:
		arr, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: set value is %T", ErrMalformed, v)
		}
		return arr, nil
	case TypeMap:
		arr, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: map value is %T", ErrMalformed, v)
		}
		m := make(map[string]interface{}, len(arr))
		for _, e := range arr {
			pair, ok := e.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("%w: map entry is not a pair", ErrMalformed)
			}
			m[fmt.Sprint(pair[0])] = pair[1]
		}
		return m, nil
	default:
		return nil, fmt.Errorf("superjson: unsupported annotation %q", name)
	}
}

// splitPath splits a dotted annotation path, honouring "\." escapes.
func splitPath(p string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(p); i++ {
		switch {
		case p[i] == '\\' && i+1 < len(p) && p[i+1] == '.':
			cur.WriteByte('.')
			i++
		case p[i] == '.':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(p[i])
		}
	}
	return append(parts, cur.String())
}

func escapeKey(k string) string {
	return strings.ReplaceAll(k, ".", "\\.")
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}
