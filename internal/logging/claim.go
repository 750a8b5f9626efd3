package logging

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/controllers/reconciliation"
	"github.com/bizmatters/compositor/internal/manager"
)

// claimStatusLogger emits a structured log line whenever a claim's status summary
// changes, and periodically for every claim when a frequency is set.
type claimStatusLogger struct {
	client    client.Client
	gvk       schema.GroupVersionKind
	logger    *Logger
	frequency time.Duration
}

func NewClaimStatusLogger(mgr ctrl.Manager, gvk schema.GroupVersionKind, freq time.Duration) error {
	c := &claimStatusLogger{
		client:    mgr.GetClient(),
		gvk:       gvk,
		logger:    NewLogger(),
		frequency: freq,
	}
	name := strings.ToLower(gvk.Kind) + "StatusLogger"

	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	return ctrl.NewControllerManagedBy(mgr).
		Named(name).
		WithOptions(controller.TypedOptions[reconcile.Request]{
			RateLimiter: &workqueue.TypedBucketRateLimiter[reconcile.Request]{
				Limiter: rate.NewLimiter(rate.Every(time.Second), 50),
			},
		}).
		For(obj, builder.WithPredicates(claimPredicate())).
		WithLogConstructor(manager.NewLogConstructor(mgr, name)).
		Complete(c)
}

func (c *claimStatusLogger) Reconcile(ctx context.Context, req reconcile.Request) (ctrl.Result, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(c.gvk)
	err := c.client.Get(ctx, req.NamespacedName, obj)
	if err != nil {
		if client.IgnoreNotFound(err) == nil {
			c.logger.Log(ctx, "current claim status",
				"eventType", "status_deleted",
				"claimKind", c.gvk.Kind,
				"claimName", req.Name,
				"claimNamespace", req.Namespace)
		}
		return ctrl.Result{}, nil
	}

	fields := append([]any{"eventType", claimEventType(obj)}, extractClaimFields(obj)...)
	c.logger.Log(ctx, "current claim status", fields...)

	if c.frequency > 0 {
		jitter := time.Duration(float64(c.frequency) * 0.2 * (0.5 - rand.Float64()))
		return ctrl.Result{RequeueAfter: c.frequency + jitter}, nil
	}
	return ctrl.Result{}, nil
}

// claimPredicate passes updates only when the parts of status worth logging changed.
func claimPredicate() predicate.Predicate {
	return &predicate.Funcs{
		CreateFunc:  func(tce event.TypedCreateEvent[client.Object]) bool { return true },
		DeleteFunc:  func(tde event.TypedDeleteEvent[client.Object]) bool { return true },
		GenericFunc: func(tge event.TypedGenericEvent[client.Object]) bool { return false },
		UpdateFunc: func(tue event.TypedUpdateEvent[client.Object]) bool {
			newObj, okA := tue.ObjectNew.(*unstructured.Unstructured)
			oldObj, okB := tue.ObjectOld.(*unstructured.Unstructured)
			return okA && okB && summarize(newObj) != summarize(oldObj)
		},
	}
}

type statusSummary struct {
	state        apiv1.ClaimState
	readySummary apiv1.ReadySummary
	generation   int64
	syncedReason string
	deleting     bool
}

func summarize(obj *unstructured.Unstructured) statusSummary {
	st := reconciliation.ReadStatus(obj)
	s := statusSummary{
		state:        st.State,
		readySummary: st.ReadySummary,
		generation:   st.ObservedGeneration,
		deleting:     obj.GetDeletionTimestamp() != nil,
	}
	if synced := meta.FindStatusCondition(st.Conditions, apiv1.ConditionSynced); synced != nil {
		s.syncedReason = synced.Reason
	}
	return s
}

func extractClaimFields(obj *unstructured.Unstructured) []any {
	fields := []any{
		"claimKind", obj.GetKind(),
		"claimName", obj.GetName(),
		"claimNamespace", obj.GetNamespace(),
		"claimGeneration", obj.GetGeneration(),
	}
	if _, ok := obj.Object["status"]; !ok {
		return fields
	}

	st := reconciliation.ReadStatus(obj)
	fields = append(fields,
		"state", st.State,
		"readySummary", st.ReadySummary,
		"observedGeneration", st.ObservedGeneration,
		"compositionRevision", st.CompositionRevision,
		"resourceCount", len(st.Resources),
	)
	if st.LastReconcileID != "" {
		fields = append(fields, "lastReconcileID", st.LastReconcileID)
	}
	if synced := meta.FindStatusCondition(st.Conditions, apiv1.ConditionSynced); synced != nil && synced.Status != "True" {
		fields = append(fields, "error", synced.Message, "reason", synced.Reason)
	}
	return fields
}

func claimEventType(obj *unstructured.Unstructured) string {
	if obj.GetDeletionTimestamp() != nil {
		return "status_deleting"
	}
	if _, ok := obj.Object["status"]; !ok {
		return "status_created"
	}
	return "status_update"
}
