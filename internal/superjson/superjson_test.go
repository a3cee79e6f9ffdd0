package superjson

import (
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type record struct {
	ID        string     `json:"id"`
	Text      string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	secret    string
}

// ---------------------------------------------------------------------------
// Test: plain values carry no meta
// ---------------------------------------------------------------------------

func TestMarshal_PlainValueHasNoMeta(t *testing.T) {
	data, err := Marshal([]interface{}{"message", map[string]interface{}{"a": 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(data), "meta") {
		t.Errorf("expected no meta member, got %s", data)
	}
	if string(data) != `{"json":["message",{"a":1}]}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Date annotations at root, nested, and inside arrays
// ---------------------------------------------------------------------------

func TestMarshal_RootDate(t *testing.T) {
	ts := time.Date(2023, 4, 5, 6, 7, 8, 9_000_000, time.UTC)
	data, err := Marshal(ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"json":"2023-04-05T06:07:08.009Z","meta":{"values":["Date"]}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestMarshal_NestedDatePaths(t *testing.T) {
	ts := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Marshal([]interface{}{"add", record{ID: "m1", Text: "hi", CreatedAt: ts}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc struct {
		Meta struct {
			Values map[string][]string `json:"values"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := doc.Meta.Values["1.createdAt"]
	if len(got) != 1 || got[0] != TypeDate {
		t.Errorf("expected 1.createdAt annotated as Date, got %v (%s)", doc.Meta.Values, data)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("unexported field leaked: %s", data)
	}
	if strings.Contains(string(data), "deletedAt") {
		t.Errorf("omitempty field should be dropped: %s", data)
	}
}

func TestRoundTrip_DateSurvives(t *testing.T) {
	ts := time.Date(2024, 2, 29, 23, 59, 59, 123_000_000, time.UTC)
	data, err := Marshal(map[string]interface{}{"sentAt": ts, "n": 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	v, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	got, ok := m["sentAt"].(time.Time)
	if !ok {
		t.Fatalf("expected time.Time, got %T", m["sentAt"])
	}
	if !got.Equal(ts) {
		t.Errorf("expected %s, got %s", ts, got)
	}
	if m["n"] != float64(3) {
		t.Errorf("expected n=3, got %v", m["n"])
	}
}

func TestRoundTrip_BigIntAndNonFinite(t *testing.T) {
	n, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	data, err := Marshal([]interface{}{n, math.Inf(-1), math.NaN()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	v, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	arr := v.([]interface{})
	if got, ok := arr[0].(*big.Int); !ok || got.Cmp(n) != 0 {
		t.Errorf("expected bigint %s, got %v", n, arr[0])
	}
	if f, ok := arr[1].(float64); !ok || !math.IsInf(f, -1) {
		t.Errorf("expected -Inf, got %v", arr[1])
	}
	if f, ok := arr[2].(float64); !ok || !math.IsNaN(f) {
		t.Errorf("expected NaN, got %v", arr[2])
	}
}

// ---------------------------------------------------------------------------
// Test: documents produced by the JavaScript implementation
// ---------------------------------------------------------------------------

func TestUnmarshal_JavaScriptDocuments(t *testing.T) {
	cases := []struct {
		name  string
		input string
		check func(t *testing.T, v interface{})
	}{
		{
			name:  "escaped dotted key",
			input: `{"json":{"a.b":"2020-01-01T00:00:00.000Z"},"meta":{"values":{"a\\.b":["Date"]}}}`,
			check: func(t *testing.T, v interface{}) {
				if _, ok := v.(map[string]interface{})["a.b"].(time.Time); !ok {
					t.Errorf("expected a.b revived as Date, got %#v", v)
				}
			},
		},
		{
			name:  "set of dates",
			input: `{"json":["2020-01-01T00:00:00.000Z"],"meta":{"values":["set",{"0":["Date"]}]}}`,
			check: func(t *testing.T, v interface{}) {
				arr, ok := v.([]interface{})
				if !ok || len(arr) != 1 {
					t.Fatalf("expected one-element set, got %#v", v)
				}
				if _, ok := arr[0].(time.Time); !ok {
					t.Errorf("expected Date element, got %T", arr[0])
				}
			},
		},
		{
			name:  "map entries",
			input: `{"json":[["k",1]],"meta":{"values":["map"]}}`,
			check: func(t *testing.T, v interface{}) {
				if v.(map[string]interface{})["k"] != float64(1) {
					t.Errorf("expected k=1, got %#v", v)
				}
			},
		},
		{
			name:  "undefined",
			input: `{"json":[null],"meta":{"values":{"0":["undefined"]}}}`,
			check: func(t *testing.T, v interface{}) {
				if v.([]interface{})[0] != nil {
					t.Errorf("expected nil, got %#v", v)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Unmarshal([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.check(t, v)
		})
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":         `{invalid`,
		"missing json":     `{"meta":{}}`,
		"bad date":         `{"json":"yesterday","meta":{"values":["Date"]}}`,
		"unknown type":     `{"json":"x","meta":{"values":["Symbol"]}}`,
		"plain json array": `[1,2,3]`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(input)); err == nil {
				t.Errorf("expected error for %s", input)
			}
		})
	}
}

func TestUnmarshalInto_TypedStruct(t *testing.T) {
	ts := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	data, err := Marshal(record{ID: "m1", Text: "hello", CreatedAt: ts, Tags: []string{"a"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got record
	if err := UnmarshalInto(data, &got); err != nil {
		t.Fatalf("unmarshal into: %v", err)
	}
	if got.ID != "m1" || got.Text != "hello" || !got.CreatedAt.Equal(ts) {
		t.Errorf("unexpected record: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "a" {
		t.Errorf("unexpected tags: %v", got.Tags)
	}
}
