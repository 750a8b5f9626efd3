package manager

import (
	"fmt"
	"os"

	"net/http"
	_ "net/http/pprof"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
)

func init() {
	go func() {
		if addr := os.Getenv("PPROF_ADDR"); addr != "" {
			err := http.ListenAndServe(addr, nil)
			panic(fmt.Sprintf("unable to serve pprof listener: %s", err))
		}
	}()
}

// NewScheme returns the scheme shared by the manager and the offline tooling.
// Claims and most managed resources are handled as unstructured objects, so only
// the built-in kinds emitted by the bundled compositions are registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	err := corev1.SchemeBuilder.AddToScheme(scheme)
	if err != nil {
		return nil, err
	}
	err = appsv1.SchemeBuilder.AddToScheme(scheme)
	if err != nil {
		return nil, err
	}
	return scheme, nil
}

// New constructs a manager whose informers for the given managed resource types only
// hold objects labeled as managed by the compositor.
func New(logger logr.Logger, opts *Options, managed []schema.GroupVersionKind) (ctrl.Manager, error) {
	opts.Rest.QPS = float32(opts.qps)

	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}

	mgrOpts := manager.Options{
		Logger:                  logger,
		HealthProbeBindAddress:  opts.HealthProbeAddr,
		Scheme:                  scheme,
		LeaderElection:          opts.LeaderElection,
		LeaderElectionNamespace: opts.LeaderElectionNamespace,
		LeaderElectionID:        opts.LeaderElectionID,
		LeaseDuration:           &opts.ElectionLeaseDuration,
		RenewDeadline:           &opts.ElectionLeaseRenewDeadline,
		RetryPeriod:             &opts.ElectionLeaseRetryPeriod,
		Metrics: server.Options{
			BindAddress: opts.MetricsAddr,
		},
	}
	if opts.LeaderElectionResourceLock != "" {
		mgrOpts.LeaderElectionResourceLock = opts.LeaderElectionResourceLock
	}

	selector := labels.SelectorFromSet(labels.Set{apiv1.ManagedByLabelKey: apiv1.ManagedByLabelValue})
	mgrOpts.Cache.ByObject = map[client.Object]cache.ByObject{}
	for _, gvk := range managed {
		obj := &unstructured.Unstructured{}
		obj.SetGroupVersionKind(gvk)
		mgrOpts.Cache.ByObject[obj] = newCacheOptions(opts.Namespace, selector)
	}
	if opts.Namespace != cache.AllNamespaces {
		mgrOpts.Cache.DefaultNamespaces = map[string]cache.Config{
			opts.Namespace: {},
		}
	}

	mgr, err := ctrl.NewManager(opts.Rest, mgrOpts)
	if err != nil {
		return nil, err
	}

	err = mgr.AddHealthzCheck("ping", healthz.Ping)
	if err != nil {
		return nil, err
	}
	err = mgr.AddReadyzCheck("ping", healthz.Ping)
	if err != nil {
		return nil, err
	}

	return mgr, nil
}

func NewLogConstructor(mgr ctrl.Manager, controllerName string) func(*reconcile.Request) logr.Logger {
	return func(req *reconcile.Request) logr.Logger {
		l := mgr.GetLogger().WithValues("controller", controllerName)
		if req != nil {
			l = l.WithValues("claimName", req.Name, "claimNamespace", req.Namespace)
		}
		return l
	}
}
