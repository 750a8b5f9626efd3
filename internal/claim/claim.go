// Package claim is the engine's view of a user-authored claim object.
package claim

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

// Identity uniquely identifies a claim.
type Identity struct {
	Kind      string
	Namespace string
	Name      string
}

func (i Identity) String() string {
	return fmt.Sprintf("%s %s/%s", i.Kind, i.Namespace, i.Name)
}

type Claim struct {
	APIVersion        string
	Kind              string
	Name              string
	Namespace         string
	UID               types.UID
	Generation        int64
	DeletionTimestamp *metav1.Time
	Spec              map[string]any
}

// FromUnstructured copies the fields the engine reads out of a claim object.
func FromUnstructured(obj *unstructured.Unstructured) (*Claim, error) {
	spec, _, err := unstructured.NestedFieldCopy(obj.Object, "spec")
	if err != nil {
		return nil, fmt.Errorf("reading spec: %w", err)
	}
	c := &Claim{
		APIVersion:        obj.GetAPIVersion(),
		Kind:              obj.GetKind(),
		Name:              obj.GetName(),
		Namespace:         obj.GetNamespace(),
		UID:               obj.GetUID(),
		Generation:        obj.GetGeneration(),
		DeletionTimestamp: obj.GetDeletionTimestamp(),
	}
	switch s := spec.(type) {
	case map[string]any:
		c.Spec = s
	case nil:
		c.Spec = map[string]any{}
	default:
		return nil, fmt.Errorf("spec must be an object, got %T", spec)
	}
	return c, nil
}

func (c *Claim) Identity() Identity {
	return Identity{Kind: c.Kind, Namespace: c.Namespace, Name: c.Name}
}

func (c *Claim) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(c.APIVersion, c.Kind)
}

// WithSpec returns a shallow copy of the claim with its spec replaced.
func (c *Claim) WithSpec(spec map[string]any) *Claim {
	cp := *c
	cp.Spec = spec
	return &cp
}

// Document is the object that guard and patch paths are resolved against.
// Only stable, user-controlled fields are exposed so synthesis stays deterministic.
func (c *Claim) Document() map[string]any {
	return map[string]any{
		"apiVersion": c.APIVersion,
		"kind":       c.Kind,
		"metadata": map[string]any{
			"name":      c.Name,
			"namespace": c.Namespace,
		},
		"spec": runtime.DeepCopyJSONValue(c.Spec),
	}
}
