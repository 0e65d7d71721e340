package decode

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options customise Decode.
type Options struct {
	// WeaklyTypedInput allows "123" -> int, 1 -> "1" and similar coercions.
	WeaklyTypedInput bool
}

// DefaultOptions decodes strictly: a JSON number never becomes a string.
func DefaultOptions() Options {
	return Options{WeaklyTypedInput: false}
}

// DecodeMap decodes a generic JSON object into T, reading the `json` tag.
// Keys without a matching field are ignored.
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("map is nil")
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			jsonNumberHook(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

// ReadString reads a string field from a generic object.
func ReadString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q not string (got %T)", key, v)
	}
	return s, nil
}

// floatToIntHook converts integral float64 values into integer kinds and
// rejects fractional ones.
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		f := data.(float64)
		switch to {
		case reflect.Int, reflect.Int32, reflect.Int64:
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("number %v is not an integer", f)
			}
			switch to {
			case reflect.Int:
				return int(f), nil
			case reflect.Int32:
				return int32(f), nil
			default:
				return int64(f), nil
			}
		}
		return data, nil
	}
}

// jsonNumberHook handles objects produced with json.Decoder.UseNumber.
func jsonNumberHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		n, ok := data.(json.Number)
		if !ok {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			return n.Int64()
		case reflect.Float32, reflect.Float64:
			return n.Float64()
		case reflect.String:
			return n.String(), nil
		}
		return data, nil
	}
}
