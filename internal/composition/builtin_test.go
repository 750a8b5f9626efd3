package composition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestBuiltinsCompile(t *testing.T) {
	for _, comp := range Builtin() {
		t.Run(comp.Name, func(t *testing.T) {
			c, err := Compile(comp)
			require.NoError(t, err)
			assert.Equal(t, MaxSecretSlots, c.Spec.SecretSlots)
		})
	}
}

func TestBuiltinBasesArePruned(t *testing.T) {
	c, err := Compile(Worker())
	require.NoError(t, err)

	deploy := c.Templates[1].Variants[0].Base
	assert.NotContains(t, deploy, "status")
	assert.NotContains(t, deploy, "metadata")

	containers := deploy["spec"].(map[string]any)["template"].(map[string]any)["spec"].(map[string]any)["containers"].([]any)
	assert.Equal(t, map[string]any{
		"name":  "main",
		"ports": []any{map[string]any{"name": "http", "containerPort": int64(HTTPPort), "protocol": "TCP"}},
	}, containers[0])
}

func TestSizeTable(t *testing.T) {
	tests := []struct {
		Class                                      string
		CPURequest, CPULimit, MemRequest, MemLimit string
	}{
		{Class: "small", CPURequest: "250m", CPULimit: "1", MemRequest: "512Mi", MemLimit: "2Gi"},
		{Class: "medium", CPURequest: "500m", CPULimit: "2", MemRequest: "1Gi", MemLimit: "4Gi"},
		{Class: "large", CPURequest: "1", CPULimit: "4", MemRequest: "2Gi", MemLimit: "8Gi"},
	}
	for _, tc := range tests {
		t.Run(tc.Class, func(t *testing.T) {
			req := SizeTable[tc.Class].Requirements()
			assertQuantity(t, tc.CPURequest, req.Requests[corev1.ResourceCPU])
			assertQuantity(t, tc.CPULimit, req.Limits[corev1.ResourceCPU])
			assertQuantity(t, tc.MemRequest, req.Requests[corev1.ResourceMemory])
			assertQuantity(t, tc.MemLimit, req.Limits[corev1.ResourceMemory])
		})
	}
	assert.Len(t, SizeTable, len(SizeClasses))
}

func TestSizeTransformIsVerbatim(t *testing.T) {
	tr := sizeTransform()
	assert.JSONEq(t, `{"requests":{"cpu":"500m","memory":"1Gi"},"limits":{"cpu":"2000m","memory":"4Gi"}}`, string(tr.Map.Table["medium"].Raw))
	assert.Nil(t, tr.Map.Default, "unknown classes are rejected rather than defaulted")
}

func TestCRD(t *testing.T) {
	c, err := Compile(Worker())
	require.NoError(t, err)

	crd := c.CRD()
	assert.Equal(t, "workers.platform.bizmatters.io", crd.Name)
	assert.Equal(t, "Worker", crd.Spec.Names.Kind)
	require.Len(t, crd.Spec.Versions, 1)
	v := crd.Spec.Versions[0]
	assert.Equal(t, "v1alpha1", v.Name)
	assert.NotNil(t, v.Subresources.Status)

	spec := v.Schema.OpenAPIV3Schema.Properties["spec"]
	assert.ElementsMatch(t, []string{"image", "queue", "group"}, spec.Required)
	assert.Contains(t, spec.Properties, "secret5Name")

	// The CRD owns a copy of the schema
	spec.Properties["image"] = spec.Properties["size"]
	assert.Equal(t, "string", c.Spec.Schema.Properties["image"].Type)
	assert.Nil(t, c.Spec.Schema.Properties["image"].Enum)
}

func assertQuantity(t *testing.T, expected string, actual resource.Quantity) {
	t.Helper()
	exp := resource.MustParse(expected)
	assert.Zerof(t, exp.Cmp(actual), "expected %s, got %s", exp.String(), actual.String())
}
