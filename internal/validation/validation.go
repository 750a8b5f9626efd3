// Package validation checks claim specs against the schema declared by their composition.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/bizmatters/compositor/internal/errdefs"
)

// Validator is a compiled claim schema. It is safe for concurrent use.
type Validator struct {
	root *node
}

type node struct {
	schema     *apiextensionsv1.JSONSchemaProps
	required   []string
	properties map[string]*node
	keys       []string // sorted property names
	items      *node
	enum       []any
	pattern    *regexp.Regexp
	def        any
	hasDefault bool
}

// New compiles the schema. Patterns, enums and defaults are decoded once here so that
// an invalid schema is rejected when the composition is loaded.
func New(schema *apiextensionsv1.JSONSchemaProps) (*Validator, error) {
	if schema == nil {
		schema = &apiextensionsv1.JSONSchemaProps{Type: "object"}
	}
	root, err := compile(schema, field.NewPath("spec"))
	if err != nil {
		return nil, err
	}
	return &Validator{root: root}, nil
}

func compile(s *apiextensionsv1.JSONSchemaProps, p *field.Path) (*node, error) {
	n := &node{schema: s, required: s.Required}

	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern of %s: %w", p, err)
		}
		n.pattern = re
	}

	for i, e := range s.Enum {
		v, err := decode(e.Raw)
		if err != nil {
			return nil, fmt.Errorf("decoding enum value %d of %s: %w", i, p, err)
		}
		n.enum = append(n.enum, v)
	}

	if s.Default != nil {
		v, err := decode(s.Default.Raw)
		if err != nil {
			return nil, fmt.Errorf("decoding default of %s: %w", p, err)
		}
		n.def = v
		n.hasDefault = true
	}

	if len(s.Properties) > 0 {
		n.properties = make(map[string]*node, len(s.Properties))
		for key := range s.Properties {
			prop := s.Properties[key]
			child, err := compile(&prop, p.Child(key))
			if err != nil {
				return nil, err
			}
			n.properties[key] = child
			n.keys = append(n.keys, key)
		}
		slices.Sort(n.keys)
	}
	for _, key := range n.required {
		if _, ok := n.properties[key]; !ok {
			return nil, fmt.Errorf("%s requires undeclared property %q", p, key)
		}
	}

	if s.Items != nil && s.Items.Schema != nil {
		child, err := compile(s.Items.Schema, p.Index(0))
		if err != nil {
			return nil, err
		}
		n.items = child
	}

	return n, nil
}

// Validate runs the validation passes in order: required top-level fields, declared
// types, enum membership, patterns, then required fields of nested objects. The first
// pass that finds violations returns all of them as a ValidationError.
func (v *Validator) Validate(spec map[string]any) error {
	if errs := v.Check(spec); len(errs) > 0 {
		return errdefs.Validation(errs)
	}
	return nil
}

// Check is Validate without the error classification.
func (v *Validator) Check(spec map[string]any) field.ErrorList {
	root := field.NewPath("spec")
	passes := []func(map[string]any, *field.Path) field.ErrorList{
		v.checkRequired,
		v.checkTypes,
		v.checkEnums,
		v.checkPatterns,
		v.checkNestedRequired,
	}
	for _, pass := range passes {
		if errs := pass(spec, root); len(errs) > 0 {
			return errs
		}
	}
	return nil
}

func (v *Validator) checkRequired(spec map[string]any, p *field.Path) field.ErrorList {
	return requiredOf(v.root, spec, p)
}

func (v *Validator) checkTypes(spec map[string]any, p *field.Path) (errs field.ErrorList) {
	walk(v.root, spec, p, func(n *node, val any, p *field.Path) bool {
		if n.schema.Type == "" || n.schema.XIntOrString {
			return true
		}
		if !hasType(val, n.schema.Type) {
			errs = append(errs, field.Invalid(p, val, fmt.Sprintf("must be of type %s", n.schema.Type)))
			return false
		}
		return true
	})
	return errs
}

func (v *Validator) checkEnums(spec map[string]any, p *field.Path) (errs field.ErrorList) {
	walk(v.root, spec, p, func(n *node, val any, p *field.Path) bool {
		if len(n.enum) == 0 {
			return true
		}
		for _, allowed := range n.enum {
			if jsonEqual(allowed, val) {
				return true
			}
		}
		supported := make([]string, len(n.enum))
		for i, e := range n.enum {
			supported[i] = fmt.Sprint(e)
		}
		errs = append(errs, field.NotSupported(p, val, supported))
		return true
	})
	return errs
}

func (v *Validator) checkPatterns(spec map[string]any, p *field.Path) (errs field.ErrorList) {
	walk(v.root, spec, p, func(n *node, val any, p *field.Path) bool {
		str, ok := val.(string)
		if n.pattern == nil || !ok {
			return true
		}
		if !n.pattern.MatchString(str) {
			errs = append(errs, field.Invalid(p, val, fmt.Sprintf("must match pattern %q", n.schema.Pattern)))
		}
		return true
	})
	return errs
}

func (v *Validator) checkNestedRequired(spec map[string]any, p *field.Path) (errs field.ErrorList) {
	walk(v.root, spec, p, func(n *node, val any, fp *field.Path) bool {
		obj, ok := val.(map[string]any)
		if ok && n != v.root {
			errs = append(errs, requiredOf(n, obj, fp)...)
		}
		return true
	})
	return errs
}

func requiredOf(n *node, obj map[string]any, p *field.Path) (errs field.ErrorList) {
	for _, key := range n.required {
		if Absent(obj[key]) {
			errs = append(errs, field.Required(p.Child(key), ""))
		}
	}
	return errs
}

// walk visits every present value that has a schema, parents first. Returning false
// skips the value's children.
func walk(n *node, val any, p *field.Path, fn func(*node, any, *field.Path) bool) {
	if val == nil || !fn(n, val, p) {
		return
	}
	switch v := val.(type) {
	case map[string]any:
		for _, key := range n.keys {
			if child, ok := v[key]; ok {
				walk(n.properties[key], child, p.Child(key), fn)
			}
		}
	case []any:
		if n.items == nil {
			return
		}
		for i, item := range v {
			walk(n.items, item, p.Index(i), fn)
		}
	}
}

// ApplyDefaults returns a copy of spec with schema defaults filled in for absent
// fields of every present object.
func (v *Validator) ApplyDefaults(spec map[string]any) map[string]any {
	out, _ := runtime.DeepCopyJSONValue(spec).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	applyDefaults(v.root, out)
	return out
}

func applyDefaults(n *node, val any) {
	switch v := val.(type) {
	case map[string]any:
		for _, key := range n.keys {
			child := n.properties[key]
			if _, ok := v[key]; !ok && child.hasDefault {
				v[key] = runtime.DeepCopyJSONValue(child.def)
			}
			if cur, ok := v[key]; ok {
				applyDefaults(child, cur)
			}
		}
	case []any:
		if n.items == nil {
			return
		}
		for _, item := range v {
			applyDefaults(n.items, item)
		}
	}
}

// Absent reports whether a value counts as unset: missing, null, or the empty string.
func Absent(val any) bool {
	if val == nil {
		return true
	}
	s, ok := val.(string)
	return ok && s == ""
}

func hasType(val any, typ string) bool {
	switch typ {
	case "string":
		_, ok := val.(string)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "integer":
		f, ok := toFloat(val)
		return ok && f == float64(int64(f))
	case "number":
		_, ok := toFloat(val)
		return ok
	default:
		return true
	}
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func jsonEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string, bool:
		return a == b
	default:
		ja, err := json.Marshal(av)
		if err != nil {
			return false
		}
		jb, err := json.Marshal(b)
		return err == nil && string(ja) == string(jb)
	}
}

func decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize converts integral JSON numbers to int64 to match unstructured objects.
func normalize(v any) any {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}
