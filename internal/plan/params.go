package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Params is a free-form parameter mapping taken from a plan document. Numbers
// are stored as json.Number after decoding.
type Params map[string]any

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Float returns the numeric parameter key, or def when it is absent.
func (p Params) Float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}

	v, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("param %q: expected number, got %T", key, raw)
	}

	return v, nil
}

// Int returns the integer parameter key, or def when it is absent.
func (p Params) Int(key string, def int64) (int64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}

	v, ok := toInt(raw)
	if !ok {
		return 0, fmt.Errorf("param %q: expected integer, got %v", key, raw)
	}

	return v, nil
}

// Bool returns the boolean parameter key, or def when it is absent.
func (p Params) Bool(key string, def bool) (bool, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}

	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("param %q: expected boolean, got %q", key, v)
		}

		return b, nil
	default:
		if n, ok := toInt(raw); ok && (n == 0 || n == 1) {
			return n == 1, nil
		}

		return false, fmt.Errorf("param %q: expected boolean, got %v", key, raw)
	}
}

func (p Params) String(key, def string) string {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def
	}

	if s, ok := raw.(string); ok {
		return s
	}

	return fmt.Sprint(raw)
}

// Ints returns an integer list parameter. A single integer is accepted as a
// one-element list.
func (p Params) Ints(key string) ([]int64, bool, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil, false, nil
	}

	if n, ok := toInt(raw); ok {
		return []int64{n}, true, nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, true, fmt.Errorf("param %q: expected integer list, got %T", key, raw)
	}

	out := make([]int64, 0, len(items))
	for i, item := range items {
		n, ok := toInt(item)
		if !ok {
			return nil, true, fmt.Errorf("param %q[%d]: expected integer, got %v", key, i, item)
		}

		out = append(out, n)
	}

	return out, true, nil
}

// Strings returns a string list parameter. A single string is accepted as a
// one-element list.
func (p Params) Strings(key string) []string {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil
	}

	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}

		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return []string{fmt.Sprint(v)}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}

		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
			return 0, false
		}

		return int64(f), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}

		return int64(n), true
	default:
		return 0, false
	}
}
