package reconciliation

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/synthesis"
)

type verb string

const (
	verbCreate verb = "create"
	verbUpdate verb = "update"
	verbDelete verb = "delete"
)

// action is one write required to converge a managed resource.
type action struct {
	verb     verb
	ref      synthesis.Ref
	ordering int
	desired  *unstructured.Unstructured
	observed *unstructured.Unstructured
}

// plan is the classified difference between the desired and observed resource sets.
// Unchanged resources are carried in current so readiness can be evaluated without
// another read.
type plan struct {
	writes  []*action
	deletes []*action
	current map[synthesis.Ref]*unstructured.Unstructured
}

func (p *plan) empty() bool { return len(p.writes) == 0 && len(p.deletes) == 0 }

func buildPlan(desired *synthesis.DesiredSet, observed map[synthesis.Ref]*unstructured.Unstructured) *plan {
	p := &plan{current: map[synthesis.Ref]*unstructured.Unstructured{}}
	for _, res := range desired.Resources {
		current, ok := observed[res.Ref]
		if !ok {
			p.writes = append(p.writes, &action{verb: verbCreate, ref: res.Ref, ordering: res.Ordering, desired: res.Object})
			continue
		}
		p.current[res.Ref] = current

		if current.GetDeletionTimestamp() != nil {
			continue // recreated once the deletion completes
		}
		if needsUpdate(res.Object, current) {
			p.writes = append(p.writes, &action{verb: verbUpdate, ref: res.Ref, ordering: res.Ordering, desired: res.Object, observed: current})
		}
	}

	for ref, current := range observed {
		if desired.Lookup(ref) != nil || current.GetDeletionTimestamp() != nil {
			continue
		}
		p.deletes = append(p.deletes, &action{verb: verbDelete, ref: ref, ordering: orderingOf(current), observed: current})
	}

	// Dependents go first
	sortActions(p.deletes)
	slices.Reverse(p.deletes)
	return p
}

// needsUpdate is true when merging the desired body into the observed object would
// change it. Fields populated by the server (defaults, status, metadata) are ignored.
// Removed fields are detected through the last-applied annotation carried by desired.
func needsUpdate(desired, observed *unstructured.Unstructured) bool {
	return !subset(desired.Object, observed.Object)
}

// stampLastApplied records each desired body in its own last-applied annotation.
func stampLastApplied(desired *synthesis.DesiredSet) error {
	for _, res := range desired.Resources {
		body, err := lastAppliedBody(res.Object)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", res.Ref, err)
		}
		annotations := res.Object.GetAnnotations()
		if annotations == nil {
			annotations = map[string]string{}
		}
		annotations[apiv1.LastAppliedAnnotationKey] = string(body)
		res.Object.SetAnnotations(annotations)
	}
	return nil
}

// lastAppliedBody encodes obj without its own last-applied annotation.
func lastAppliedBody(obj *unstructured.Unstructured) ([]byte, error) {
	body := obj.DeepCopy()
	annotations := body.GetAnnotations()
	delete(annotations, apiv1.LastAppliedAnnotationKey)
	body.SetAnnotations(annotations)
	return json.Marshal(body.Object)
}

// merge converges the observed object toward desired with a three-way merge. Fields
// the last-applied body had but desired no longer has are removed first, then desired
// is applied as a JSON merge patch. Fields set by other writers are kept. The result
// keeps the observed resourceVersion so the update is conditional.
func merge(desired, observed *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	patch, err := json.Marshal(desired.Object)
	if err != nil {
		return nil, fmt.Errorf("encoding desired state: %w", err)
	}
	current, err := json.Marshal(observed.Object)
	if err != nil {
		return nil, fmt.Errorf("encoding observed state: %w", err)
	}

	if prev, ok := observed.GetAnnotations()[apiv1.LastAppliedAnnotationKey]; ok && json.Valid([]byte(prev)) {
		next, err := lastAppliedBody(desired)
		if err != nil {
			return nil, fmt.Errorf("encoding desired state: %w", err)
		}
		removals, err := jsonpatch.CreateMergePatch([]byte(prev), next)
		if err != nil {
			return nil, fmt.Errorf("diffing against last applied state: %w", err)
		}
		current, err = jsonpatch.MergePatch(current, removals)
		if err != nil {
			return nil, fmt.Errorf("removing fields: %w", err)
		}
	}

	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return nil, fmt.Errorf("merging: %w", err)
	}

	updated := &unstructured.Unstructured{}
	if err := updated.UnmarshalJSON(merged); err != nil {
		return nil, fmt.Errorf("decoding merged state: %w", err)
	}
	updated.SetResourceVersion(observed.GetResourceVersion())
	return updated, nil
}

// subset reports whether every value in desired is present and equal in observed.
// Lists must match element-wise since a merge patch replaces them wholesale.
func subset(desired, observed any) bool {
	switch d := desired.(type) {
	case map[string]any:
		o, ok := observed.(map[string]any)
		if !ok {
			return observed == nil && len(d) == 0
		}
		for key, dv := range d {
			ov, ok := o[key]
			if !ok {
				if isEmpty(dv) {
					continue // the server drops empty containers
				}
				return false
			}
			if !subset(dv, ov) {
				return false
			}
		}
		return true

	case []any:
		o, ok := observed.([]any)
		if !ok {
			return observed == nil && len(d) == 0
		}
		if len(d) != len(o) {
			return false
		}
		for i := range d {
			if !subset(d[i], o[i]) {
				return false
			}
		}
		return true

	default:
		return scalarEqual(desired, observed)
	}
}

func orderingOf(obj *unstructured.Unstructured) int {
	i, err := strconv.Atoi(obj.GetAnnotations()[apiv1.OrderingAnnotationKey])
	if err != nil {
		return 0
	}
	return i
}

func isEmpty(v any) bool {
	switch vv := v.(type) {
	case map[string]any:
		return len(vv) == 0
	case []any:
		return len(vv) == 0
	}
	return false
}

func scalarEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	as, ok := a.(string)
	if !ok {
		return a == b
	}
	bs, ok := b.(string)
	if !ok {
		return false
	}
	if as == bs {
		return true
	}

	// Quantities are canonicalized by the server, e.g. 1000m becomes 1
	aq, err := resource.ParseQuantity(as)
	if err != nil {
		return false
	}
	bq, err := resource.ParseQuantity(bs)
	if err != nil {
		return false
	}
	return aq.Cmp(bq) == 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
