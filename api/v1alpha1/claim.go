package v1alpha1

import metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

// ClaimStatus is written to the status subresource of every claim kind.
// Only the reconciler writes it.
type ClaimStatus struct {
	ObservedGeneration  int64              `json:"observedGeneration,omitempty"`
	Conditions          []metav1.Condition `json:"conditions,omitempty"`
	ReadySummary        ReadySummary       `json:"readySummary,omitempty"`
	State               ClaimState         `json:"state,omitempty"`
	CompositionRevision int64              `json:"compositionRevision,omitempty"`
	Resources           []ResourceStatus   `json:"resources,omitempty"`
	LastReconcileID     string             `json:"lastReconcileID,omitempty"`
}

type ResourceStatus struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Ready      bool   `json:"ready"`
}

type ReadySummary string

const (
	SummaryReady    ReadySummary = "Ready"
	SummaryNotReady ReadySummary = "NotReady"
	SummaryDegraded ReadySummary = "Degraded"
)

type ClaimState string

const (
	StatePending      ClaimState = "Pending"
	StateSynthesizing ClaimState = "Synthesizing"
	StateDiffing      ClaimState = "Diffing"
	StateApplying     ClaimState = "Applying"
	StateObserving    ClaimState = "Observing"
	StateReady        ClaimState = "Ready"
	StateDegraded     ClaimState = "Degraded"
	StateFailed       ClaimState = "Failed"
	StateTerminating  ClaimState = "Terminating"
)

const (
	// ConditionSynced reports whether the desired resource set was synthesized and applied.
	ConditionSynced = "Synced"
	// ConditionReady reports the aggregated health of the managed resources.
	ConditionReady = "Ready"
)

const (
	ReasonReconcileSuccess = "ReconcileSuccess"
	ReasonAvailable        = "Available"
	ReasonPending          = "Pending"
	ReasonDeleting         = "Deleting"
)
