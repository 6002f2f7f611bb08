package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FormatForPath picks the document format from a file extension. Unknown
// extensions are treated as YAML.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// Decode parses a plan document and normalizes it to JSON data-model values:
// map[string]any, []any, string, bool, json.Number and nil.
func Decode(data []byte, format string) (map[string]any, error) {
	var raw any

	switch strings.ToLower(format) {
	case "yaml", "yml", "":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("plan: parse yaml: %w", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()

		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("plan: parse json: %w", err)
		}
	case "toml":
		var doc map[string]any
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("plan: parse toml: %w", err)
		}

		raw = doc
	default:
		return nil, fmt.Errorf("plan: unsupported document format %q", format)
	}

	if raw == nil {
		return nil, errors.New("plan: document is empty")
	}

	normalized, err := normalizeValue(raw, "root")
	if err != nil {
		return nil, err
	}

	doc, ok := normalized.(map[string]any)
	if !ok {
		return nil, errors.New("plan: plan file must contain a mapping at the top level")
	}

	return doc, nil
}

func normalizeValue(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, json.Number:
		return x, nil
	case int:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(x, 10)), nil
	case float64:
		return normalizeFloat(x, path)
	case float32:
		return normalizeFloat(float64(x), path)
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := normalizeValue(item, path+"/"+k)
			if err != nil {
				return nil, err
			}

			out[k] = n
		}

		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			key := fmt.Sprint(k)

			n, err := normalizeValue(item, path+"/"+key)
			if err != nil {
				return nil, err
			}

			out[key] = n
		}

		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalizeValue(item, fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return nil, err
			}

			out[i] = n
		}

		return out, nil
	}

	// TOML and YAML decoders may produce typed slices and maps.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			n, err := normalizeValue(rv.Index(i).Interface(), fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return nil, err
			}

			out[i] = n
		}

		return out, nil
	case reflect.Map:
		out := make(map[string]any, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())

			n, err := normalizeValue(iter.Value().Interface(), path+"/"+key)
			if err != nil {
				return nil, err
			}

			out[key] = n
		}

		return out, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return json.Number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return json.Number(strconv.FormatUint(rv.Uint(), 10)), nil
	default:
		return nil, fmt.Errorf("plan: %s: unsupported value of type %T", path, v)
	}
}

func normalizeFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("plan: %s: non-finite number %v", path, f)
	}

	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}
