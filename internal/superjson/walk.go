package superjson

import (
	"encoding"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	timeType          = reflect.TypeOf(time.Time{})
	bigIntType        = reflect.TypeOf(big.Int{})
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// walk converts v into a plain JSON-compatible tree and collects the
// annotations needed to revive it. The annotation result is nil when nothing
// needs reviving, a leaf ([]interface{}) for the value itself, or a map of
// escaped dotted paths.
func walk(v interface{}) (interface{}, interface{}, error) {
	if v == nil {
		return nil, nil, nil
	}
	return walkValue(reflect.ValueOf(v))
}

func walkValue(rv reflect.Value) (interface{}, interface{}, error) {
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil, nil
		}
		if rv.Kind() == reflect.Pointer && rv.Type().Elem() == bigIntType {
			return rv.Interface().(*big.Int).String(), []interface{}{TypeBigInt}, nil
		}
		rv = rv.Elem()
	}

	switch rv.Type() {
	case timeType:
		t := rv.Interface().(time.Time)
		return t.UTC().Format(isoLayout), []interface{}{TypeDate}, nil
	case bigIntType:
		n := rv.Interface().(big.Int)
		return n.String(), []interface{}{TypeBigInt}, nil
	}

	if rv.Type().Implements(jsonMarshalerType) {
		return viaJSON(rv.Interface().(json.Marshaler))
	}
	if rv.Type().Implements(textMarshalerType) {
		text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, nil, fmt.Errorf("superjson: marshal text %s: %w", rv.Type(), err)
		}
		return string(text), nil, nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil, nil
	case reflect.String:
		return rv.String(), nil, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil, nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		switch {
		case math.IsNaN(f):
			return "NaN", []interface{}{TypeNumber}, nil
		case math.IsInf(f, 1):
			return "Infinity", []interface{}{TypeNumber}, nil
		case math.IsInf(f, -1):
			return "-Infinity", []interface{}{TypeNumber}, nil
		}
		return f, nil, nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// Same representation encoding/json uses for []byte.
			return viaJSON(rv.Bytes())
		}
		return walkList(rv)
	case reflect.Array:
		return walkList(rv)
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil, nil
		}
		return walkMap(rv)
	case reflect.Struct:
		return walkStruct(rv)
	default:
		return nil, nil, fmt.Errorf("superjson: unsupported type %s", rv.Type())
	}
}

func walkList(rv reflect.Value) (interface{}, interface{}, error) {
	out := make([]interface{}, rv.Len())
	var ann map[string]interface{}
	for i := 0; i < rv.Len(); i++ {
		plain, sub, err := walkValue(rv.Index(i))
		if err != nil {
			return nil, nil, err
		}
		out[i] = plain
		ann = mergeAnnotation(ann, fmt.Sprint(i), sub)
	}
	return out, annotationOrNil(ann), nil
}

func walkMap(rv reflect.Value) (interface{}, interface{}, error) {
	out := make(map[string]interface{}, rv.Len())
	var ann map[string]interface{}
	iter := rv.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key())
		if err != nil {
			return nil, nil, err
		}
		plain, sub, err := walkValue(iter.Value())
		if err != nil {
			return nil, nil, err
		}
		out[key] = plain
		ann = mergeAnnotation(ann, escapeKey(key), sub)
	}
	return out, annotationOrNil(ann), nil
}

func walkStruct(rv reflect.Value) (interface{}, interface{}, error) {
	out := make(map[string]interface{})
	var ann map[string]interface{}
	if err := walkFields(rv, out, &ann); err != nil {
		return nil, nil, err
	}
	return out, annotationOrNil(ann), nil
}

func walkFields(rv reflect.Value, out map[string]interface{}, ann *map[string]interface{}) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				if err := walkFields(inner, out, ann); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && isEmpty(fv) {
			continue
		}
		plain, sub, err := walkValue(fv)
		if err != nil {
			return fmt.Errorf("superjson: field %s: %w", f.Name, err)
		}
		out[name] = plain
		*ann = mergeAnnotation(*ann, escapeKey(name), sub)
	}
	return nil
}

// mergeAnnotation records sub under key, flattening nested path maps into
// dotted keys the way superjson does.
func mergeAnnotation(ann map[string]interface{}, key string, sub interface{}) map[string]interface{} {
	if sub == nil {
		return ann
	}
	if ann == nil {
		ann = make(map[string]interface{})
	}
	switch s := sub.(type) {
	case map[string]interface{}:
		for k, v := range s {
			ann[key+"."+k] = v
		}
	default:
		ann[key] = s
	}
	return ann
}

func annotationOrNil(ann map[string]interface{}) interface{} {
	if len(ann) == 0 {
		return nil
	}
	return ann
}

func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.Type().Implements(textMarshalerType) {
		text, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", fmt.Errorf("superjson: map key: %w", err)
		}
		return string(text), nil
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprint(k.Interface()), nil
	}
	return "", fmt.Errorf("superjson: unsupported map key type %s", k.Type())
}

func viaJSON(v interface{}) (interface{}, interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("superjson: marshal %T: %w", v, err)
	}
	var plain interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, nil, fmt.Errorf("superjson: reparse %T: %w", v, err)
	}
	return plain, nil, nil
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
