package claim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func TestFromUnstructured(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "platform.bizmatters.io/v1alpha1",
		"kind":       "Worker",
		"metadata": map[string]any{
			"name":       "orders",
			"namespace":  "shop",
			"uid":        "abc",
			"generation": int64(3),
		},
		"spec": map[string]any{"image": "x"},
	}}

	c, err := FromUnstructured(obj)
	require.NoError(t, err)
	assert.Equal(t, Identity{Kind: "Worker", Namespace: "shop", Name: "orders"}, c.Identity())
	assert.Equal(t, "Worker shop/orders", c.Identity().String())
	assert.Equal(t, int64(3), c.Generation)
	assert.Equal(t, "platform.bizmatters.io", c.GroupVersionKind().Group)

	// The claim owns a copy of the spec
	c.Spec["image"] = "y"
	assert.Equal(t, "x", obj.Object["spec"].(map[string]any)["image"])

	doc := c.Document()
	assert.Equal(t, map[string]any{"name": "orders", "namespace": "shop"}, doc["metadata"])
	assert.Equal(t, map[string]any{"image": "y"}, doc["spec"])
}

func TestFromUnstructuredNoSpec(t *testing.T) {
	obj := &unstructured.Unstructured{}
	obj.SetKind("Worker")
	obj.SetName("orders")

	c, err := FromUnstructured(obj)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, c.Spec)

	obj.Object["spec"] = "nope"
	_, err = FromUnstructured(obj)
	assert.Error(t, err)
}
