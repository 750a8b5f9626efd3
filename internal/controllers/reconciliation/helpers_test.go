package reconciliation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/composition"
	"github.com/bizmatters/compositor/internal/testutil"
)

var (
	workerGVK     = apiv1.SchemeGroupVersion.WithKind("Worker")
	webServiceGVK = apiv1.SchemeGroupVersion.WithKind("WebService")

	deploymentGVK   = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
	serviceGVK      = schema.GroupVersionKind{Version: "v1", Kind: "Service"}
	accountGVK      = schema.GroupVersionKind{Version: "v1", Kind: "ServiceAccount"}
	pvcGVK          = schema.GroupVersionKind{Version: "v1", Kind: "PersistentVolumeClaim"}
	scaledObjectGVK = schema.GroupVersionKind{Group: "keda.sh", Version: "v1alpha1", Kind: "ScaledObject"}
	httpRouteGVK    = schema.GroupVersionKind{Group: "gateway.networking.k8s.io", Version: "v1", Kind: "HTTPRoute"}
)

// writeCounter counts the writes issued against managed resources and claim status.
type writeCounter struct {
	mu      sync.Mutex
	byVerb  map[string]int
	status  int
	failing map[string]func(obj client.Object) error
}

func newWriteCounter() *writeCounter {
	return &writeCounter{byVerb: map[string]int{}, failing: map[string]func(client.Object) error{}}
}

// failOn injects an error for the given verb. Returning nil lets the call through.
func (w *writeCounter) failOn(verb string, fn func(obj client.Object) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing[verb] = fn
}

func (w *writeCounter) record(verb string, obj client.Object) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if isClaim(obj) {
		return nil
	}
	w.byVerb[verb]++
	if fn := w.failing[verb]; fn != nil {
		return fn(obj)
	}
	return nil
}

func (w *writeCounter) count(verb string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byVerb[verb]
}

func (w *writeCounter) statusWrites() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *writeCounter) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byVerb = map[string]int{}
	w.status = 0
}

func (w *writeCounter) funcs() *interceptor.Funcs {
	return &interceptor.Funcs{
		Create: func(ctx context.Context, cli client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			if err := w.record("create", obj); err != nil {
				return err
			}
			return cli.Create(ctx, obj, opts...)
		},
		Update: func(ctx context.Context, cli client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
			if err := w.record("update", obj); err != nil {
				return err
			}
			return cli.Update(ctx, obj, opts...)
		},
		Delete: func(ctx context.Context, cli client.WithWatch, obj client.Object, opts ...client.DeleteOption) error {
			if err := w.record("delete", obj); err != nil {
				return err
			}
			return cli.Delete(ctx, obj, opts...)
		},
		SubResourceUpdate: func(ctx context.Context, cli client.Client, subResourceName string, obj client.Object, opts ...client.SubResourceUpdateOption) error {
			w.mu.Lock()
			w.status++
			w.mu.Unlock()
			return cli.SubResource(subResourceName).Update(ctx, obj, opts...)
		},
	}
}

func isClaim(obj client.Object) bool {
	return obj.GetObjectKind().GroupVersionKind().Group == apiv1.SchemeGroupVersion.Group
}

type fixture struct {
	cli      client.Client
	writes   *writeCounter
	registry *atomic.Pointer[composition.Registry]
}

func newFixture(t *testing.T) *fixture {
	reg, err := composition.LoadRegistry("")
	require.NoError(t, err)

	f := &fixture{writes: newWriteCounter(), registry: &atomic.Pointer[composition.Registry]{}}
	f.registry.Store(reg)
	f.cli = testutil.NewClientWithInterceptors(t, f.writes.funcs(),
		[]schema.GroupVersionKind{workerGVK, webServiceGVK},
		scaledObjectGVK, httpRouteGVK)
	return f
}

func (f *fixture) controller(gvk schema.GroupVersionKind) *Controller {
	return NewController(f.cli, gvk, Options{
		Registry:              f.registry,
		ReadinessPollInterval: time.Second,
		ResyncInterval:        time.Hour,
		ApplyBackoff:          wait.Backoff{Steps: 3, Duration: time.Millisecond},
		ConflictRetries:       2,
	})
}

func (f *fixture) createClaim(t *testing.T, gvk schema.GroupVersionKind, name string, spec map[string]any) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]any{"spec": spec}}
	obj.SetGroupVersionKind(gvk)
	obj.SetName(name)
	obj.SetNamespace("shop")
	obj.SetGeneration(1)
	require.NoError(t, f.cli.Create(context.Background(), obj))
	return obj
}

func (f *fixture) createSecret(t *testing.T, name string) {
	require.NoError(t, f.cli.Create(context.Background(), &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop"}}))
}

func (f *fixture) getClaim(t *testing.T, gvk schema.GroupVersionKind, name string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	require.NoError(t, f.cli.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "shop"}, obj))
	return obj
}

// editClaim replaces the claim's spec and bumps its generation the way the apiserver would.
func (f *fixture) editClaim(t *testing.T, gvk schema.GroupVersionKind, name string, spec map[string]any) {
	obj := f.getClaim(t, gvk, name)
	obj.Object["spec"] = spec
	obj.SetGeneration(obj.GetGeneration() + 1)
	require.NoError(t, f.cli.Update(context.Background(), obj))
}

func (f *fixture) get(t *testing.T, gvk schema.GroupVersionKind, name string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	require.NoError(t, f.cli.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "shop"}, obj))
	return obj
}

func (f *fixture) exists(t *testing.T, gvk schema.GroupVersionKind, name string) bool {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	err := f.cli.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "shop"}, obj)
	require.NoError(t, client.IgnoreNotFound(err))
	return err == nil
}

// setConditions overwrites a managed resource's status conditions.
func (f *fixture) setConditions(t *testing.T, gvk schema.GroupVersionKind, name string, conds ...map[string]any) {
	obj := f.get(t, gvk, name)
	list := make([]any, len(conds))
	for i, c := range conds {
		list[i] = c
	}
	require.NoError(t, unstructured.SetNestedSlice(obj.Object, list, "status", "conditions"))

	// In-tree kinds have a status subresource, custom resources here do not
	err := f.cli.Status().Update(context.Background(), obj)
	if apierrors.IsNotFound(err) {
		err = f.cli.Update(context.Background(), obj)
	}
	require.NoError(t, err)

	written, found, err := unstructured.NestedSlice(f.get(t, gvk, name).Object, "status", "conditions")
	require.NoError(t, err)
	require.True(t, found, "conditions were persisted")
	require.Len(t, written, len(conds))
}

func reconcileClaim(t *testing.T, c *Controller, name string) (ctrl.Result, error) {
	return c.Reconcile(testutil.NewContext(t), ctrl.Request{NamespacedName: types.NamespacedName{Name: name, Namespace: "shop"}})
}

func condition(typ, status, reason, msg string) map[string]any {
	return map[string]any{"type": typ, "status": status, "reason": reason, "message": msg}
}

func workerSpec() map[string]any {
	return map[string]any{
		"image": "ghcr.io/acme/orders:1.4.2",
		"size":  "medium",
		"queue": "ORDERS",
		"group": "g1",
	}
}
