// Package synthesis expands a claim into the desired set of managed resources.
package synthesis

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/claim"
	"github.com/bizmatters/compositor/internal/composition"
	"github.com/bizmatters/compositor/internal/patch"
	"github.com/bizmatters/compositor/internal/readiness"
)

// Ref identifies a resource across its type, namespace and name.
type Ref struct {
	GVK       schema.GroupVersionKind
	Namespace string
	Name      string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s %s/%s", r.GVK.Kind, r.Namespace, r.Name)
}

// ManagedResource is one desired resource owned by a claim.
type ManagedResource struct {
	Ref
	Template string
	Ordering int
	Object   *unstructured.Unstructured
	Checks   readiness.Checks

	index int
}

// DesiredSet is the complete output of synthesizing one claim.
type DesiredSet struct {
	Owner      claim.Identity
	Revision   int64
	Resources  []*ManagedResource
	References []Ref
}

// Synthesize validates the claim, applies schema defaults, selects one variant per
// template and renders every resource. It is all-or-nothing: any error yields no resources.
//
// The output is a pure function of the claim's name, namespace and spec plus the
// composition, so repeated calls produce identical bodies.
func Synthesize(comp *composition.Compiled, c *claim.Claim) (*DesiredSet, error) {
	if err := comp.Validator.Validate(c.Spec); err != nil {
		return nil, err
	}
	c = c.WithSpec(comp.Validator.ApplyDefaults(c.Spec))
	doc := c.Document()

	selected, err := comp.Select(doc)
	if err != nil {
		return nil, err
	}

	set := &DesiredSet{Owner: c.Identity(), Revision: comp.Spec.Revision}
	seenRefs := map[Ref]struct{}{}
	for _, sel := range selected {
		res, err := patch.Apply(sel.Variant.Base, doc, sel.Variant.Patches)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", sel.Template.Name, err)
		}

		obj := &unstructured.Unstructured{Object: res.Body}
		obj.SetName(c.Name + sel.Template.NameSuffix)
		obj.SetNamespace(c.Namespace)
		obj.SetLabels(labels.Merge(obj.GetLabels(), OwnershipLabels(c.Identity())))
		annotations := obj.GetAnnotations()
		if annotations == nil {
			annotations = map[string]string{}
		}
		annotations[apiv1.OrderingAnnotationKey] = strconv.Itoa(sel.Template.Ordering)
		obj.SetAnnotations(annotations)

		set.Resources = append(set.Resources, &ManagedResource{
			Ref:      Ref{GVK: sel.Variant.GVK, Namespace: c.Namespace, Name: obj.GetName()},
			Template: sel.Template.Name,
			Ordering: sel.Template.Ordering,
			Object:   obj,
			Checks:   sel.Template.Checks,
			index:    sel.Template.Index,
		})

		for _, r := range res.References {
			ref := Ref{GVK: schema.FromAPIVersionAndKind(r.APIVersion, r.Kind), Namespace: c.Namespace, Name: r.Name}
			if _, ok := seenRefs[ref]; ok {
				continue
			}
			seenRefs[ref] = struct{}{}
			set.References = append(set.References, ref)
		}
	}

	slices.SortStableFunc(set.Resources, func(a, b *ManagedResource) int {
		return cmp.Or(cmp.Compare(a.Ordering, b.Ordering), cmp.Compare(a.index, b.index))
	})
	return set, nil
}

// OwnershipLabels are stamped on every managed resource and select them for cleanup.
func OwnershipLabels(id claim.Identity) map[string]string {
	return map[string]string{
		apiv1.ManagedByLabelKey:      apiv1.ManagedByLabelValue,
		apiv1.ClaimKindLabelKey:      id.Kind,
		apiv1.ClaimNameLabelKey:      id.Name,
		apiv1.ClaimNamespaceLabelKey: id.Namespace,
	}
}

// OwnerOf returns the claim that owns the given object according to its labels.
func OwnerOf(obj interface{ GetLabels() map[string]string }) (claim.Identity, bool) {
	l := obj.GetLabels()
	if l[apiv1.ManagedByLabelKey] != apiv1.ManagedByLabelValue {
		return claim.Identity{}, false
	}
	id := claim.Identity{Kind: l[apiv1.ClaimKindLabelKey], Namespace: l[apiv1.ClaimNamespaceLabelKey], Name: l[apiv1.ClaimNameLabelKey]}
	if id.Kind == "" || id.Name == "" {
		return claim.Identity{}, false
	}
	return id, true
}

// Lookup finds a desired resource by reference.
func (d *DesiredSet) Lookup(ref Ref) *ManagedResource {
	for _, r := range d.Resources {
		if r.Ref == ref {
			return r
		}
	}
	return nil
}
