package reconciliation

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/claim"
	"github.com/bizmatters/compositor/internal/composition"
	"github.com/bizmatters/compositor/internal/tracing"
)

// finalize deletes every resource owned by a claim that is being deleted, and releases
// the claim only once none of them remain. Only resources carrying this claim's
// ownership labels are considered.
func (c *Controller) finalize(ctx context.Context, obj *unstructured.Unstructured) (ctrl.Result, error) {
	logger := logr.FromContextOrDiscard(ctx)
	if !controllerutil.ContainsFinalizer(obj, apiv1.CascadeFinalizer) {
		return ctrl.Result{}, nil
	}
	ctx, span := tracing.StartPhaseSpan(ctx, string(apiv1.StateTerminating))
	defer span.End()

	owner := claim.Identity{Kind: obj.GetKind(), Namespace: obj.GetNamespace(), Name: obj.GetName()}
	prev := ReadStatus(obj)
	next := ReadStatus(obj)

	var comp *composition.Compiled
	if found, ok := c.registry.Load().Lookup(c.gvk); ok {
		comp = found
	}
	gvks := c.managedTypes(comp, prev)

	observed, err := c.observe(ctx, owner, gvks)
	if err != nil {
		tracing.RecordError(span, err)
		return ctrl.Result{}, err
	}

	actions := make([]*action, 0, len(observed))
	for ref, current := range observed {
		if current.GetDeletionTimestamp() != nil {
			continue
		}
		actions = append(actions, &action{verb: verbDelete, ref: ref, ordering: orderingOf(current), observed: current})
	}
	sortActions(actions)
	slices.Reverse(actions)
	for _, a := range actions {
		if _, err := c.write(ctx, a); err != nil {
			tracing.RecordError(span, err)
			return ctrl.Result{}, fmt.Errorf("deleting %s: %w", a.ref, err)
		}
	}

	if len(actions) > 0 {
		// Most resources are gone as soon as the delete returns
		observed, err = c.observe(ctx, owner, gvks)
		if err != nil {
			return ctrl.Result{}, err
		}
	}
	if remaining := len(observed); remaining > 0 {
		logger.V(1).Info("waiting for managed resources to be deleted", "remaining", remaining)
		recordTerminating(next, obj.GetGeneration(), remaining)
		if err := c.writeStatus(ctx, obj, prev, next); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{RequeueAfter: wait.Jitter(c.readinessPollInterval, 0.1)}, nil
	}

	controllerutil.RemoveFinalizer(obj, apiv1.CascadeFinalizer)
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.client.Update(callCtx, obj); err != nil {
		return ctrl.Result{}, fmt.Errorf("removing finalizer: %w", err)
	}
	c.terminal.Delete(client.ObjectKeyFromObject(obj))
	logger.V(0).Info("released claim after deleting its managed resources")
	return ctrl.Result{}, nil
}
