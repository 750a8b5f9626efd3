package composition

import (
	"encoding/json"
	"fmt"
	"regexp"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/sets"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/patch"
	"github.com/bizmatters/compositor/internal/readiness"
	"github.com/bizmatters/compositor/internal/validation"
)

// MaxSecretSlots bounds the number of optional secret references a claim may carry.
const MaxSecretSlots = 5

var suffixRegex = regexp.MustCompile(`^(-[a-z0-9]([-a-z0-9]*[a-z0-9])?)?$`)

// Compiled is a validated composition ready for synthesis.
type Compiled struct {
	*apiv1.Composition
	GVK       schema.GroupVersionKind
	Validator *validation.Validator
	Templates []*Template
}

// Template is a compiled resource template.
type Template struct {
	Name       string
	NameSuffix string
	Ordering   int
	Index      int
	Checks     readiness.Checks
	Variants   []*Variant
}

type Variant struct {
	Index   int
	Guard   *Guard
	Skip    bool
	GVK     schema.GroupVersionKind
	Base    map[string]any
	Patches []*patch.Patch
}

// Compile validates a composition and compiles every schema, path, transform and
// readiness check it holds.
func Compile(comp *apiv1.Composition) (*Compiled, error) {
	if comp == nil {
		return nil, fmt.Errorf("composition is nil")
	}
	c := &Compiled{Composition: comp, GVK: comp.Spec.ClaimRef.GroupVersionKind()}
	if c.GVK.Kind == "" || c.GVK.Version == "" {
		return nil, fmt.Errorf("composition %q: claimRef requires apiVersion and kind", comp.Name)
	}

	var err error
	c.Validator, err = validation.New(comp.Spec.Schema)
	if err != nil {
		return nil, fmt.Errorf("composition %q: %w", comp.Name, err)
	}
	if err := checkSecretSlots(comp); err != nil {
		return nil, fmt.Errorf("composition %q: %w", comp.Name, err)
	}

	env, err := readiness.NewEnv()
	if err != nil {
		return nil, err
	}

	names := sets.New[string]()
	suffixes := sets.New[string]()
	for i, rt := range comp.Spec.Resources {
		if names.Has(rt.Name) {
			return nil, fmt.Errorf("composition %q: duplicate resource template %q", comp.Name, rt.Name)
		}
		names.Insert(rt.Name)

		tmpl, err := compileTemplate(env, i, rt)
		if err != nil {
			return nil, fmt.Errorf("composition %q: resource %q: %w", comp.Name, rt.Name, err)
		}
		c.Templates = append(c.Templates, tmpl)

		for _, gvk := range tmpl.GVKs() {
			key := gvk.GroupKind().String() + "/" + tmpl.NameSuffix
			if suffixes.Has(key) {
				return nil, fmt.Errorf("composition %q: resource %q collides with another %s named with suffix %q", comp.Name, rt.Name, gvk.Kind, tmpl.NameSuffix)
			}
			suffixes.Insert(key)
		}
	}
	if len(c.Templates) == 0 {
		return nil, fmt.Errorf("composition %q has no resources", comp.Name)
	}

	return c, nil
}

func compileTemplate(env *readiness.Env, index int, rt apiv1.ResourceTemplate) (*Template, error) {
	if rt.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if !suffixRegex.MatchString(rt.NameSuffix) {
		return nil, fmt.Errorf("nameSuffix %q must be empty or a dash followed by a DNS label", rt.NameSuffix)
	}
	if len(rt.Variants) == 0 {
		return nil, fmt.Errorf("at least one variant is required")
	}

	t := &Template{Name: rt.Name, NameSuffix: rt.NameSuffix, Ordering: rt.Ordering, Index: index}
	for _, expr := range rt.ReadinessChecks {
		check, err := readiness.ParseCheck(env, expr)
		if err != nil {
			return nil, fmt.Errorf("parsing readiness check %q: %w", expr, err)
		}
		t.Checks = append(t.Checks, check)
	}

	for i, rv := range rt.Variants {
		v, err := compileVariant(i, rv)
		if err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		t.Variants = append(t.Variants, v)
	}

	if err := checkGuards(t.Variants); err != nil {
		return nil, err
	}
	return t, nil
}

func compileVariant(index int, rv apiv1.TemplateVariant) (*Variant, error) {
	v := &Variant{Index: index, Skip: rv.Skip}

	if rv.Guard != nil {
		g, err := compileGuard(rv.Guard)
		if err != nil {
			return nil, err
		}
		v.Guard = g
	}

	if v.Skip {
		if len(rv.Patches) > 0 || len(rv.Base.Raw) > 0 || rv.Base.Object != nil {
			return nil, fmt.Errorf("skip variants cannot have a base or patches")
		}
		return v, nil
	}

	base, err := decodeBase(rv.Base)
	if err != nil {
		return nil, err
	}
	v.Base = base.Object
	v.GVK = base.GroupVersionKind()

	for i, rp := range rv.Patches {
		p, err := patch.Compile(rp)
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		if head := p.From.Head(); head != "spec" && head != "metadata" {
			return nil, fmt.Errorf("patch %d: fromFieldPath must start with spec or metadata", i)
		}
		if head := p.To.Head(); head == "apiVersion" || head == "kind" {
			return nil, fmt.Errorf("patch %d: toFieldPath cannot change the resource type", i)
		}
		v.Patches = append(v.Patches, p)
	}
	return v, nil
}

func decodeBase(raw runtime.RawExtension) (*unstructured.Unstructured, error) {
	js := raw.Raw
	if len(js) == 0 && raw.Object != nil {
		var err error
		js, err = json.Marshal(raw.Object)
		if err != nil {
			return nil, fmt.Errorf("encoding base: %w", err)
		}
	}
	if len(js) == 0 {
		return nil, fmt.Errorf("base is required")
	}

	u := &unstructured.Unstructured{}
	if err := u.UnmarshalJSON(js); err != nil {
		return nil, fmt.Errorf("decoding base: %w", err)
	}
	if u.GetAPIVersion() == "" {
		return nil, fmt.Errorf("base requires an apiVersion")
	}
	if u.GetName() != "" || u.GetNamespace() != "" {
		return nil, fmt.Errorf("base cannot set a name or namespace")
	}
	return u, nil
}

// checkSecretSlots requires the schema to declare exactly the secretNName properties
// implied by the slot count.
func checkSecretSlots(comp *apiv1.Composition) error {
	n := comp.Spec.SecretSlots
	if n < 0 || n > MaxSecretSlots {
		return fmt.Errorf("secretSlots must be between 0 and %d", MaxSecretSlots)
	}
	if n == 0 {
		return nil
	}
	if comp.Spec.Schema == nil {
		return fmt.Errorf("secretSlots requires a schema")
	}
	for i := 1; i <= MaxSecretSlots; i++ {
		prop, declared := comp.Spec.Schema.Properties[SecretSlotField(i)]
		switch {
		case i <= n && !declared:
			return fmt.Errorf("schema does not declare secret slot %q", SecretSlotField(i))
		case i <= n && prop.Type != "string":
			return fmt.Errorf("secret slot %q must be a string", SecretSlotField(i))
		case i > n && declared:
			return fmt.Errorf("schema declares %q beyond the %d configured secret slots", SecretSlotField(i), n)
		}
	}
	return nil
}

// SecretSlotField returns the claim spec field holding the given 1-based secret slot.
func SecretSlotField(i int) string {
	return fmt.Sprintf("secret%dName", i)
}

// GVKs returns every resource type the template can produce.
func (t *Template) GVKs() []schema.GroupVersionKind {
	var out []schema.GroupVersionKind
	seen := map[schema.GroupVersionKind]struct{}{}
	for _, v := range t.Variants {
		if v.Skip {
			continue
		}
		if _, ok := seen[v.GVK]; ok {
			continue
		}
		seen[v.GVK] = struct{}{}
		out = append(out, v.GVK)
	}
	return out
}

// GVKs returns every resource type the composition can produce, in template order.
func (c *Compiled) GVKs() []schema.GroupVersionKind {
	var out []schema.GroupVersionKind
	seen := map[schema.GroupVersionKind]struct{}{}
	for _, t := range c.Templates {
		for _, gvk := range t.GVKs() {
			if _, ok := seen[gvk]; ok {
				continue
			}
			seen[gvk] = struct{}{}
			out = append(out, gvk)
		}
	}
	return out
}

// Selection is the variant chosen for one template.
type Selection struct {
	Template *Template
	Variant  *Variant
}

// Select picks exactly one variant of every template for the given claim document.
// Templates whose selected variant is a skip variant are omitted.
func (c *Compiled) Select(doc map[string]any) ([]Selection, error) {
	out := make([]Selection, 0, len(c.Templates))
	for _, t := range c.Templates {
		v := t.Select(doc)
		if v == nil {
			// Unreachable for compiled compositions since guards are exhaustive
			return nil, fmt.Errorf("resource %q: no variant matches the claim", t.Name)
		}
		if v.Skip {
			continue
		}
		out = append(out, Selection{Template: t, Variant: v})
	}
	return out, nil
}

func (t *Template) Select(doc map[string]any) *Variant {
	var fallback *Variant
	for _, v := range t.Variants {
		if v.Guard == nil {
			fallback = v
			continue
		}
		if v.Guard.Matches(doc) {
			return v
		}
	}
	return fallback
}
