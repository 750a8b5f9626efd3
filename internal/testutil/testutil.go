package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/bizmatters/compositor/internal/manager"
)

// NewClient returns a fake client that knows the given claim kinds and any
// additional unstructured types. Claims get a status subresource.
func NewClient(t testing.TB, claimKinds []schema.GroupVersionKind, extra ...schema.GroupVersionKind) client.Client {
	return NewClientWithInterceptors(t, nil, claimKinds, extra...)
}

func NewClientWithInterceptors(t testing.TB, ict *interceptor.Funcs, claimKinds []schema.GroupVersionKind, extra ...schema.GroupVersionKind) client.Client {
	scheme, err := manager.NewScheme()
	require.NoError(t, err)

	statusObjs := []client.Object{}
	for _, gvk := range claimKinds {
		RegisterUnstructured(scheme, gvk)
		obj := &unstructured.Unstructured{}
		obj.SetGroupVersionKind(gvk)
		statusObjs = append(statusObjs, obj)
	}
	for _, gvk := range extra {
		if scheme.Recognizes(gvk) {
			continue
		}
		RegisterUnstructured(scheme, gvk)
	}

	builder := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(statusObjs...)

	if ict != nil {
		builder.WithInterceptorFuncs(*ict)
	}

	return builder.Build()
}

// RegisterUnstructured teaches the scheme about a kind that has no Go type.
func RegisterUnstructured(scheme *runtime.Scheme, gvk schema.GroupVersionKind) {
	scheme.AddKnownTypeWithName(gvk, &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(gvk.GroupVersion().WithKind(gvk.Kind+"List"), &unstructured.UnstructuredList{})
}

func NewContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
	})
	return logr.NewContext(ctx, testr.NewWithOptions(t, testr.Options{Verbosity: 99}))
}

func Eventually(t testing.TB, fn func() bool) {
	t.Helper()
	start := time.Now()
	for {
		if time.Since(start) > time.Second*2 {
			t.Fatalf("timeout while waiting for condition")
			return
		}
		if fn() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}
