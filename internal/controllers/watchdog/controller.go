package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/controllers/reconciliation"
	"github.com/bizmatters/compositor/internal/errdefs"
	"github.com/bizmatters/compositor/internal/manager"
)

// watchdogController exposes metrics that track the states of claims relative to the current time.
// The idea is to identify claims that are stuck so they can be alerted on.
type watchdogController struct {
	client    client.Client
	kinds     []schema.GroupVersionKind
	threshold time.Duration
}

func NewController(mgr ctrl.Manager, kinds []schema.GroupVersionKind, threshold time.Duration) error {
	c := &watchdogController{
		client:    mgr.GetClient(),
		kinds:     kinds,
		threshold: threshold,
	}
	b := ctrl.NewControllerManagedBy(mgr).
		Named("watchdogController").
		WithLogConstructor(manager.NewLogConstructor(mgr, "watchdogController"))
	for _, gvk := range kinds {
		obj := &unstructured.Unstructured{}
		obj.SetGroupVersionKind(gvk)
		b = b.Watches(obj, manager.SingleEventHandler())
	}
	return b.Complete(c)
}

func (c *watchdogController) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	accumulators := []*accumulator{
		{
			Predicate: c.pendingReconciliation,
			Sink:      stuckReconciling,
		},
		{
			Predicate: c.pendingReadiness,
			Sink:      nonready,
		},
		{
			Predicate: c.inTerminalError,
			Sink:      terminalErrors,
		},
	}

	for _, gvk := range c.kinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
		if err := c.client.List(ctx, list); err != nil {
			return ctrl.Result{}, fmt.Errorf("listing %s claims: %w", gvk.Kind, err)
		}
		for i := range list.Items {
			for _, a := range accumulators {
				a.Visit(gvk.Kind, &list.Items[i])
			}
		}
	}

	// Time passing alone can move a claim past the threshold
	return ctrl.Result{RequeueAfter: c.threshold}, nil
}

// pendingReconciliation is true for claims whose current generation has not been
// processed within the threshold.
func (c *watchdogController) pendingReconciliation(obj *unstructured.Unstructured) bool {
	if obj.GetDeletionTimestamp() != nil {
		return time.Since(obj.GetDeletionTimestamp().Time) > c.threshold
	}
	st := reconciliation.ReadStatus(obj)
	if st.ObservedGeneration >= obj.GetGeneration() {
		return false
	}
	since := obj.GetCreationTimestamp().Time
	if synced := meta.FindStatusCondition(st.Conditions, apiv1.ConditionSynced); synced != nil {
		since = synced.LastTransitionTime.Time
	}
	return time.Since(since) > c.threshold
}

// pendingReadiness is true for synced claims whose resources have not become ready
// within the threshold.
func (c *watchdogController) pendingReadiness(obj *unstructured.Unstructured) bool {
	st := reconciliation.ReadStatus(obj)
	if !meta.IsStatusConditionTrue(st.Conditions, apiv1.ConditionSynced) {
		return false
	}
	ready := meta.FindStatusCondition(st.Conditions, apiv1.ConditionReady)
	return ready != nil && ready.Status != metav1.ConditionTrue && time.Since(ready.LastTransitionTime.Time) > c.threshold
}

func (c *watchdogController) inTerminalError(obj *unstructured.Unstructured) bool {
	st := reconciliation.ReadStatus(obj)
	if st.State != apiv1.StateFailed {
		return false
	}
	synced := meta.FindStatusCondition(st.Conditions, apiv1.ConditionSynced)
	return synced != nil && errdefs.Reason(synced.Reason).Terminal()
}

type accumulator struct {
	Predicate func(*unstructured.Unstructured) bool
	Sink      *prometheus.GaugeVec
	init      bool
}

func (a *accumulator) Visit(kind string, obj *unstructured.Unstructured) {
	if !a.init {
		a.Sink.Reset()
		a.init = true
	}
	if a.Predicate(obj) {
		a.Sink.WithLabelValues(kind).Add(1)
	} else {
		a.Sink.WithLabelValues(kind).Add(0)
	}
}
