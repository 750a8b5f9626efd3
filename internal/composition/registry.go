// Package composition holds the registry of compositions and the logic that selects
// the resource templates a claim expands into.
package composition

import (
	"cmp"
	"fmt"
	"slices"

	"k8s.io/apimachinery/pkg/runtime/schema"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/claim"
	"github.com/bizmatters/compositor/internal/errdefs"
)

// Registry is an immutable set of compiled compositions keyed by claim type.
// Reloading produces a new registry so readers never observe a partial update.
type Registry struct {
	generation int64
	byGVK      map[schema.GroupVersionKind]*Compiled
	ordered    []*Compiled
}

func NewRegistry(comps ...*apiv1.Composition) (*Registry, error) {
	r := &Registry{generation: 1, byGVK: make(map[schema.GroupVersionKind]*Compiled, len(comps))}
	for _, comp := range comps {
		c, err := Compile(comp)
		if err != nil {
			return nil, err
		}
		if existing, ok := r.byGVK[c.GVK]; ok {
			return nil, fmt.Errorf("compositions %q and %q both claim %s", existing.Name, comp.Name, c.GVK)
		}
		r.byGVK[c.GVK] = c
		r.ordered = append(r.ordered, c)
	}
	slices.SortFunc(r.ordered, func(a, b *Compiled) int {
		return cmp.Or(cmp.Compare(a.GVK.Kind, b.GVK.Kind), cmp.Compare(a.GVK.GroupVersion().String(), b.GVK.GroupVersion().String()))
	})
	return r, nil
}

// Reload compiles a replacement registry. Changing the number of secret slots of an
// existing claim type requires a revision bump since claims written against the old
// contract would silently change meaning.
func (r *Registry) Reload(comps ...*apiv1.Composition) (*Registry, error) {
	next, err := NewRegistry(comps...)
	if err != nil {
		return nil, err
	}
	for gvk, c := range next.byGVK {
		prev, ok := r.byGVK[gvk]
		if !ok {
			continue
		}
		if prev.Spec.SecretSlots != c.Spec.SecretSlots && c.Spec.Revision <= prev.Spec.Revision {
			return nil, fmt.Errorf("composition %q changes secret slots from %d to %d without bumping its revision past %d",
				c.Name, prev.Spec.SecretSlots, c.Spec.SecretSlots, prev.Spec.Revision)
		}
	}
	next.generation = r.generation + 1
	return next, nil
}

// Generation increases with every reload.
func (r *Registry) Generation() int64 { return r.generation }

// Compositions returns the compiled compositions sorted by claim kind.
func (r *Registry) Compositions() []*Compiled { return r.ordered }

func (r *Registry) Lookup(gvk schema.GroupVersionKind) (*Compiled, bool) {
	c, ok := r.byGVK[gvk]
	return c, ok
}

// LookupKind finds a composition by claim kind alone, for offline tooling.
func (r *Registry) LookupKind(kind string) (*Compiled, bool) {
	for _, c := range r.ordered {
		if c.GVK.Kind == kind {
			return c, true
		}
	}
	return nil, false
}

// Resolve returns the composition registered for the claim's type.
func (r *Registry) Resolve(c *claim.Claim) (*Compiled, error) {
	comp, ok := r.byGVK[c.GroupVersionKind()]
	if !ok {
		return nil, errdefs.CompositionNotFound(c.APIVersion, c.Kind)
	}
	return comp, nil
}
