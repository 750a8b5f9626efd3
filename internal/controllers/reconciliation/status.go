package reconciliation

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/errdefs"
	"github.com/bizmatters/compositor/internal/readiness"
)

// ReadStatus decodes the status of a claim. Malformed status is treated as empty
// since the controller owns it and will overwrite it.
func ReadStatus(obj *unstructured.Unstructured) *apiv1.ClaimStatus {
	st := &apiv1.ClaimStatus{}
	m, ok := obj.Object["status"].(map[string]any)
	if !ok {
		return st
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(m, st); err != nil {
		return &apiv1.ClaimStatus{}
	}
	return st
}

// writeStatus persists next only when it differs from prev, so converged claims
// generate no writes.
func (c *Controller) writeStatus(ctx context.Context, obj *unstructured.Unstructured, prev, next *apiv1.ClaimStatus) error {
	logger := logr.FromContextOrDiscard(ctx)
	if equality.Semantic.DeepEqual(prev, next) {
		logger.V(1).Info("skipping status update because nothing changed")
		return nil
	}

	next.LastReconcileID = uuid.NewString()
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(next)
	if err != nil {
		return fmt.Errorf("encoding claim status: %w", err)
	}
	obj.Object["status"] = m

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	statusWrites.Inc()
	if err := c.client.Status().Update(callCtx, obj); err != nil {
		return fmt.Errorf("updating claim status: %w", err)
	}
	logger.V(1).Info("updated claim status", "state", next.State, "readySummary", next.ReadySummary, "reconcileID", next.LastReconcileID)
	return nil
}

func setCondition(st *apiv1.ClaimStatus, generation int64, conditionType string, ok bool, reason, msg string) {
	status := metav1.ConditionFalse
	if ok {
		status = metav1.ConditionTrue
	}
	meta.SetStatusCondition(&st.Conditions, metav1.Condition{
		Type:               conditionType,
		Status:             status,
		Reason:             reason,
		Message:            msg,
		ObservedGeneration: generation,
	})
}

// recordSuccess reflects a pass that applied the desired set.
func recordSuccess(st *apiv1.ClaimStatus, generation int64, ready *readiness.Result) {
	st.ReadySummary = ready.Summary
	st.Resources = ready.Resources
	switch ready.Summary {
	case apiv1.SummaryReady:
		st.State = apiv1.StateReady
	case apiv1.SummaryDegraded:
		st.State = apiv1.StateDegraded
	default:
		st.State = apiv1.StateObserving
	}
	setCondition(st, generation, apiv1.ConditionSynced, true, apiv1.ReasonReconcileSuccess, "desired resources are applied")
	setCondition(st, generation, apiv1.ConditionReady, ready.Summary == apiv1.SummaryReady, ready.Reason, ready.Message)
}

// recordFailure reflects a pass that stopped before the desired set was applied.
// Readiness is left as last observed.
func recordFailure(st *apiv1.ClaimStatus, generation int64, err error) {
	st.State = apiv1.StateFailed
	setCondition(st, generation, apiv1.ConditionSynced, false, string(errdefs.ReasonOf(err)), err.Error())
}

func recordTerminating(st *apiv1.ClaimStatus, generation int64, remaining int) {
	st.State = apiv1.StateTerminating
	setCondition(st, generation, apiv1.ConditionSynced, false, apiv1.ReasonDeleting, fmt.Sprintf("waiting for %d managed resource(s) to be deleted", remaining))
}
