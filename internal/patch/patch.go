// Package patch renders a resource body by copying claim values into a template base.
package patch

import (
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/errdefs"
	"github.com/bizmatters/compositor/internal/resource/path"
	"github.com/bizmatters/compositor/internal/transform"
	"github.com/bizmatters/compositor/internal/validation"
)

// Patch is a compiled patch definition.
type Patch struct {
	From      *path.Expr
	To        *path.Expr
	Transform transform.Func
	Required  bool
	Omit      bool
	Reference *apiv1.ObjectReference
}

// Compile parses paths and compiles the transform of a patch definition.
func Compile(p apiv1.Patch) (*Patch, error) {
	from, err := path.Parse(p.FromFieldPath)
	if err != nil {
		return nil, fmt.Errorf("parsing fromFieldPath %q: %w", p.FromFieldPath, err)
	}
	to, err := path.Parse(p.ToFieldPath)
	if err != nil {
		return nil, fmt.Errorf("parsing toFieldPath %q: %w", p.ToFieldPath, err)
	}
	fn, err := transform.Compile(p.Transform)
	if err != nil {
		return nil, fmt.Errorf("compiling transform of %q: %w", p.FromFieldPath, err)
	}

	c := &Patch{From: from, To: to, Transform: fn, Reference: p.Reference}
	switch p.Policy {
	case apiv1.PatchPolicyRequired, "":
		c.Required = true
	case apiv1.PatchPolicyOptional:
	default:
		return nil, fmt.Errorf("unknown patch policy %q", p.Policy)
	}
	switch p.OnAbsent {
	case apiv1.AbsentKeep, "":
	case apiv1.AbsentOmit:
		c.Omit = true
	default:
		return nil, fmt.Errorf("unknown onAbsent action %q", p.OnAbsent)
	}
	if c.Required && c.Omit {
		return nil, fmt.Errorf("patch from %q: onAbsent only applies to optional patches", p.FromFieldPath)
	}
	if c.Reference != nil && (c.Reference.Kind == "" || c.Reference.APIVersion == "") {
		return nil, fmt.Errorf("patch from %q: reference requires apiVersion and kind", p.FromFieldPath)
	}
	return c, nil
}

// Reference names an object that must exist before a rendered body can be applied.
type Reference struct {
	APIVersion string
	Kind       string
	Name       string
}

type Result struct {
	Body       map[string]any
	References []Reference
}

// Apply renders a body from a deep copy of base. Patches run in order and read only
// from doc, so no patch observes another patch's output.
func Apply(base, doc map[string]any, patches []*Patch) (*Result, error) {
	body, _ := runtime.DeepCopyJSONValue(base).(map[string]any)
	if body == nil {
		body = map[string]any{}
	}
	res := &Result{Body: body}

	for _, p := range patches {
		val, _ := p.From.Get(doc)
		if validation.Absent(val) {
			if p.Required {
				return nil, errdefs.MissingRequiredField(p.From.String())
			}
			if p.Omit {
				p.To.Delete(body)
			}
			continue
		}

		out, err := p.Transform(runtime.DeepCopyJSONValue(val))
		if err != nil {
			var classified *errdefs.Error
			if errors.As(err, &classified) {
				return nil, fmt.Errorf("patching %q: %w", p.To, err)
			}
			return nil, errdefs.InvalidValue(p.From.String(), err)
		}

		if err := p.To.Set(body, out); err != nil {
			return nil, errdefs.Unresolvable(p.From.String(), err)
		}

		if p.Reference != nil {
			name, ok := out.(string)
			if !ok {
				return nil, errdefs.Unresolvable(p.From.String(), fmt.Errorf("reference name must be a string, got %T", out))
			}
			res.References = append(res.References, Reference{APIVersion: p.Reference.APIVersion, Kind: p.Reference.Kind, Name: name})
		}
	}

	return res, nil
}
