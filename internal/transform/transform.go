// Package transform implements the value transforms applied between a claim field and
// its destination in a resource template.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
	"k8s.io/apimachinery/pkg/runtime"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/errdefs"
)

// Func converts a single resolved claim value.
type Func func(any) (any, error)

// Compile validates a transform definition and returns its function.
// A nil transform compiles to the identity.
func Compile(t *apiv1.Transform) (Func, error) {
	if t == nil {
		return Identity, nil
	}

	switch t.Type {
	case apiv1.TransformIdentity, "":
		return Identity, nil

	case apiv1.TransformMap:
		if t.Map == nil {
			return nil, fmt.Errorf("map transform requires a table")
		}
		return compileMap(t.Map)

	case apiv1.TransformStringFormat:
		if t.StringFormat == nil {
			return nil, fmt.Errorf("stringFormat transform requires a template")
		}
		return compileStringFormat(t.StringFormat.Template)

	case apiv1.TransformConvert:
		if t.Convert == nil {
			return nil, fmt.Errorf("convert transform requires a target type")
		}
		return compileConvert(t.Convert.ToType)

	default:
		return nil, fmt.Errorf("unknown transform type %q", t.Type)
	}
}

func Identity(v any) (any, error) { return v, nil }

func compileMap(m *apiv1.MapTransform) (Func, error) {
	table := make(map[string]any, len(m.Table))
	for k, raw := range m.Table {
		v, err := decode(raw.Raw)
		if err != nil {
			return nil, fmt.Errorf("decoding map entry %q: %w", k, err)
		}
		table[k] = v
	}

	var def any
	hasDefault := m.Default != nil
	if hasDefault {
		var err error
		def, err = decode(m.Default.Raw)
		if err != nil {
			return nil, fmt.Errorf("decoding map default: %w", err)
		}
	}

	return func(in any) (any, error) {
		key, err := cast.ToStringE(in)
		if err == nil {
			if v, ok := table[key]; ok {
				return runtime.DeepCopyJSONValue(v), nil
			}
		}
		if hasDefault {
			return runtime.DeepCopyJSONValue(def), nil
		}
		return nil, errdefs.UnmappedValue(in)
	}, nil
}

func compileStringFormat(tmpl string) (Func, error) {
	if n := strings.Count(tmpl, "%s"); n != 1 {
		return nil, fmt.Errorf("template %q must contain exactly one %%s placeholder, found %d", tmpl, n)
	}
	// Any other verb would be interpreted by Sprintf
	if strings.Count(tmpl, "%") != 1 {
		return nil, fmt.Errorf("template %q may not contain other formatting directives", tmpl)
	}

	return func(in any) (any, error) {
		str, err := cast.ToStringE(in)
		if err != nil {
			return nil, fmt.Errorf("formatting %T: %w", in, err)
		}
		return fmt.Sprintf(tmpl, str), nil
	}, nil
}

func compileConvert(to apiv1.ConvertType) (Func, error) {
	switch to {
	case apiv1.ConvertToString:
		return toString, nil
	case apiv1.ConvertToInt:
		return toInt, nil
	case apiv1.ConvertToArray:
		return toArray, nil
	default:
		return nil, fmt.Errorf("unsupported conversion target %q", to)
	}
}

func toString(in any) (any, error) {
	switch in.(type) {
	case map[string]any, []any:
		return nil, fmt.Errorf("cannot convert %T to string", in)
	}
	if f, ok := in.(float64); ok && f == math.Trunc(f) {
		return cast.ToStringE(int64(f))
	}
	return cast.ToStringE(in)
}

func toInt(in any) (any, error) {
	switch v := in.(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("cannot convert non-integral number %v to int", v)
		}
		return int64(v), nil
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			return nil, fmt.Errorf("cannot convert non-integral number %v to int", v)
		}
		return int64(v), nil
	case string:
		// cast parses "1.5" by truncating, which is not a faithful conversion
		if strings.ContainsAny(v, ".eE") {
			return nil, fmt.Errorf("cannot convert %q to int", v)
		}
	case bool, nil, map[string]any, []any:
		return nil, fmt.Errorf("cannot convert %T to int", in)
	}

	i, err := cast.ToInt64E(in)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %v to int: %w", in, err)
	}
	return i, nil
}

func toArray(in any) (any, error) {
	switch v := in.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case map[string]any, nil:
		return nil, fmt.Errorf("cannot convert %T to array", in)
	default:
		return []any{v}, nil
	}
}

func decode(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	d := json.NewDecoder(strings.NewReader(string(raw)))
	d.UseNumber()
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

// normalizeNumbers matches the number representation of unstructured objects.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}
