package composition

import (
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
)

type Size struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// SizeTable is the published mapping from a claim's size class to container resources.
var SizeTable = map[string]Size{
	"small":  {CPURequest: "250m", CPULimit: "1000m", MemoryRequest: "512Mi", MemoryLimit: "2Gi"},
	"medium": {CPURequest: "500m", CPULimit: "2000m", MemoryRequest: "1Gi", MemoryLimit: "4Gi"},
	"large":  {CPURequest: "1000m", CPULimit: "4000m", MemoryRequest: "2Gi", MemoryLimit: "8Gi"},
}

// SizeClasses lists the size classes in ascending order.
var SizeClasses = []string{"small", "medium", "large"}

const DefaultSize = "medium"

// Requirements returns the container resource requirements of the size class.
func (s Size) Requirements() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(s.CPURequest),
			corev1.ResourceMemory: resource.MustParse(s.MemoryRequest),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(s.CPULimit),
			corev1.ResourceMemory: resource.MustParse(s.MemoryLimit),
		},
	}
}

// sizeTransform maps a size class onto a container's resources block. The published
// strings are written verbatim so rendered manifests match the table exactly.
func sizeTransform() *apiv1.Transform {
	table := make(map[string]apiextensionsv1.JSON, len(SizeTable))
	for class, size := range SizeTable {
		table[class] = mustJSON(map[string]any{
			"requests": map[string]any{"cpu": size.CPURequest, "memory": size.MemoryRequest},
			"limits":   map[string]any{"cpu": size.CPULimit, "memory": size.MemoryLimit},
		})
	}
	return &apiv1.Transform{Type: apiv1.TransformMap, Map: &apiv1.MapTransform{Table: table}}
}

func sizeSchema() apiextensionsv1.JSONSchemaProps {
	enum := make([]apiextensionsv1.JSON, len(SizeClasses))
	for i, class := range SizeClasses {
		enum[i] = mustJSON(class)
	}
	def := mustJSON(DefaultSize)
	return apiextensionsv1.JSONSchemaProps{
		Type:        "string",
		Description: "Resource class of the workload container.",
		Enum:        enum,
		Default:     &def,
	}
}

func mustJSON(v any) apiextensionsv1.JSON {
	js, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encoding %v: %s", v, err))
	}
	return apiextensionsv1.JSON{Raw: js}
}

func mustRaw(v any) runtime.RawExtension {
	js, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encoding %v: %s", v, err))
	}
	return runtime.RawExtension{Raw: js}
}
