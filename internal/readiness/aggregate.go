package readiness

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
)

// ReasonNotAvailable is reported when an unhealthy resource has no False condition to surface.
const ReasonNotAvailable = "NotAvailable"

// Observation pairs a desired resource with its observed state.
type Observation struct {
	APIVersion string
	Kind       string
	Name       string
	Checks     Checks

	// Observed is nil when the resource does not exist yet.
	Observed *unstructured.Unstructured
}

type Result struct {
	Summary   apiv1.ReadySummary
	Reason    string
	Message   string
	Resources []apiv1.ResourceStatus
}

// Evaluate aggregates the readiness of a claim's resources.
//
// The claim is Ready when every resource exists and passes its checks, Degraded when
// at least one existing resource fails its checks, and NotReady otherwise.
// The reason reported for a Degraded claim is taken verbatim from the first False
// condition of the first failing resource.
func Evaluate(ctx context.Context, obs []Observation) *Result {
	res := &Result{Summary: apiv1.SummaryReady, Reason: apiv1.ReasonAvailable, Resources: make([]apiv1.ResourceStatus, len(obs))}
	var pending, failing *Observation

	for i := range obs {
		o := &obs[i]
		ready := o.Observed != nil && o.Checks.Eval(ctx, o.Observed)
		res.Resources[i] = apiv1.ResourceStatus{APIVersion: o.APIVersion, Kind: o.Kind, Name: o.Name, Ready: ready}

		switch {
		case ready:
		case o.Observed == nil && pending == nil:
			pending = o
		case o.Observed != nil && failing == nil:
			failing = o
		}
	}

	switch {
	case failing != nil:
		res.Summary = apiv1.SummaryDegraded
		if cond := FalseCondition(failing.Observed); cond != nil && cond.Reason != "" {
			res.Reason = cond.Reason
			res.Message = cond.Message
		} else {
			res.Reason = ReasonNotAvailable
			res.Message = fmt.Sprintf("%s %s is not ready", failing.Kind, failing.Name)
		}
	case pending != nil:
		res.Summary = apiv1.SummaryNotReady
		res.Reason = apiv1.ReasonPending
		res.Message = fmt.Sprintf("waiting for %s %s to be created", pending.Kind, pending.Name)
	default:
		res.Message = "all resources are ready"
	}
	return res
}
