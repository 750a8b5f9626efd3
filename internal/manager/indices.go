package manager

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
)

// ClaimReference returns the claim that owns a managed resource according to its
// ownership labels. Resources owned by other claim kinds are ignored.
func ClaimReference(obj client.Object, claimKind string) (types.NamespacedName, bool) {
	l := obj.GetLabels()
	if l == nil || l[apiv1.ManagedByLabelKey] != apiv1.ManagedByLabelValue {
		return types.NamespacedName{}, false
	}
	if l[apiv1.ClaimKindLabelKey] != claimKind || l[apiv1.ClaimNameLabelKey] == "" {
		return types.NamespacedName{}, false
	}
	return types.NamespacedName{Name: l[apiv1.ClaimNameLabelKey], Namespace: l[apiv1.ClaimNamespaceLabelKey]}, true
}

// NewResourceToClaimHandler enqueues the owning claim of any managed resource event.
func NewResourceToClaimHandler(claimKind string) handler.EventHandler {
	return handler.EnqueueRequestsFromMapFunc(func(ctx context.Context, obj client.Object) []reconcile.Request {
		nn, ok := ClaimReference(obj, claimKind)
		if !ok {
			logr.FromContextOrDiscard(ctx).V(2).Info("ignoring resource not owned by a claim of this kind", "resourceName", obj.GetName(), "resourceNamespace", obj.GetNamespace())
			return nil
		}
		return []reconcile.Request{{NamespacedName: nn}}
	})
}

// SingleEventHandler maps every event to the same empty request.
// Useful for controllers that always act on the full set of objects.
func SingleEventHandler() handler.EventHandler {
	return handler.EnqueueRequestsFromMapFunc(func(ctx context.Context, obj client.Object) []reconcile.Request {
		return []reconcile.Request{{}}
	})
}
