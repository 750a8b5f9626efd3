// +groupName=platform.bizmatters.io
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var SchemeGroupVersion = schema.GroupVersion{Group: "platform.bizmatters.io", Version: "v1alpha1"}

const (
	ManagedByLabelKey   = "app.kubernetes.io/managed-by"
	ManagedByLabelValue = "compositor"

	ClaimKindLabelKey      = "platform.bizmatters.io/claim-kind"
	ClaimNameLabelKey      = "platform.bizmatters.io/claim-name"
	ClaimNamespaceLabelKey = "platform.bizmatters.io/claim-namespace"

	// OrderingAnnotationKey holds the integer ordering hint consumed by the delivery layer.
	OrderingAnnotationKey = "platform.bizmatters.io/ordering"

	// LastAppliedAnnotationKey holds the body most recently written to a managed resource.
	// Fields present there but no longer desired are removed on the next update.
	LastAppliedAnnotationKey = "platform.bizmatters.io/last-applied"

	// CascadeFinalizer blocks claim removal until every owned resource is gone.
	CascadeFinalizer = "platform.bizmatters.io/cascade"
)
