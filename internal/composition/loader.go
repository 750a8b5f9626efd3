package composition

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/pkg/loader"
)

// LoadDir reads every composition manifest under dir.
func LoadDir(dir string) ([]*apiv1.Composition, error) {
	objs, err := loader.LoadObjects(dir)
	if err != nil {
		return nil, err
	}
	return FromObjects(objs)
}

func FromObjects(objs []*unstructured.Unstructured) ([]*apiv1.Composition, error) {
	comps := make([]*apiv1.Composition, 0, len(objs))
	for _, obj := range objs {
		gvk := obj.GroupVersionKind()
		if gvk.GroupVersion() != apiv1.SchemeGroupVersion || gvk.Kind != "Composition" {
			return nil, fmt.Errorf("unexpected %s %q in composition manifests", gvk, obj.GetName())
		}

		js, err := obj.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding composition %q: %w", obj.GetName(), err)
		}
		comp := &apiv1.Composition{}
		if err := json.Unmarshal(js, comp); err != nil {
			return nil, fmt.Errorf("decoding composition %q: %w", obj.GetName(), err)
		}
		comps = append(comps, comp)
	}
	return comps, nil
}

// LoadRegistry builds a registry from the built-in compositions plus any found in dir.
// An empty dir yields only the built-ins.
func LoadRegistry(dir string) (*Registry, error) {
	comps, err := loadAll(dir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(comps...)
}

// ReloadRegistry re-reads dir and swaps in a new registry derived from prev.
func ReloadRegistry(prev *Registry, dir string) (*Registry, error) {
	comps, err := loadAll(dir)
	if err != nil {
		return nil, err
	}
	return prev.Reload(comps...)
}

func loadAll(dir string) ([]*apiv1.Composition, error) {
	comps := Builtin()
	if dir == "" {
		return comps, nil
	}
	loaded, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return append(comps, loaded...), nil
}
