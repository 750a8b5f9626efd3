package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/claim"
	"github.com/bizmatters/compositor/internal/composition"
	"github.com/bizmatters/compositor/internal/errdefs"
	"github.com/bizmatters/compositor/internal/manager"
	"github.com/bizmatters/compositor/internal/readiness"
	"github.com/bizmatters/compositor/internal/synthesis"
	"github.com/bizmatters/compositor/internal/tracing"
)

var errSuperseded = errors.New("superseded by a newer claim generation")

type Options struct {
	// Registry is swapped atomically when compositions are reloaded.
	Registry *atomic.Pointer[composition.Registry]

	// Concurrency is the number of claims of one kind reconciled in parallel.
	Concurrency int

	// Timeout bounds an entire pass, CallTimeout a single call to the apiserver.
	Timeout     time.Duration
	CallTimeout time.Duration

	ReadinessPollInterval time.Duration
	ResyncInterval        time.Duration

	// ApplyBackoff paces retries of failed writes within a pass.
	ApplyBackoff    wait.Backoff
	ConflictRetries int

	// QPS and Burst bound how often claims are dequeued.
	QPS   float64
	Burst int

	// ResourceLabels are added to every managed resource. Ownership labels take precedence.
	ResourceLabels map[string]string
}

// Controller reconciles the claims of a single kind.
type Controller struct {
	client   client.Client
	gvk      schema.GroupVersionKind
	registry *atomic.Pointer[composition.Registry]

	timeout               time.Duration
	callTimeout           time.Duration
	readinessPollInterval time.Duration
	resyncInterval        time.Duration
	backoff               wait.Backoff
	conflictRetries       int
	resourceLabels        map[string]string

	inflight *inflight
	terminal sync.Map // types.NamespacedName -> terminalMark
}

// terminalMark records a claim generation that failed with a terminal error under a
// given registry generation. Neither retrying nor requeueing can change the outcome.
type terminalMark struct {
	claimGeneration    int64
	registryGeneration int64
}

// New registers one controller per composition in the registry.
// Managed resource types the apiserver does not serve are not watched.
func New(mgr ctrl.Manager, opts Options) error {
	for _, comp := range opts.Registry.Load().Compositions() {
		if err := newController(mgr, comp, opts); err != nil {
			return fmt.Errorf("constructing %s controller: %w", comp.GVK.Kind, err)
		}
	}
	return nil
}

func newController(mgr ctrl.Manager, comp *composition.Compiled, opts Options) error {
	c := NewController(mgr.GetClient(), comp.GVK, opts)
	name := strings.ToLower(comp.GVK.Kind) + "Controller"
	logger := mgr.GetLogger().WithValues("controller", name)

	claimObj := &unstructured.Unstructured{}
	claimObj.SetGroupVersionKind(comp.GVK)

	concurrency := max(opts.Concurrency, 1)
	b := builder.ControllerManagedBy(mgr).
		Named(name).
		WithLogConstructor(manager.NewLogConstructor(mgr, name)).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: concurrency,
			RateLimiter:             newRateLimiter(opts.QPS, opts.Burst),
		}).
		Watches(claimObj, c.claimEventHandler())

	for _, gvk := range comp.GVKs() {
		if _, err := mgr.GetRESTMapper().RESTMapping(gvk.GroupKind(), gvk.Version); err != nil {
			if meta.IsNoMatchError(err) {
				logger.V(0).Info("managed resource type is not served - not watching it", "group", gvk.Group, "version", gvk.Version, "kind", gvk.Kind)
				continue
			}
			return err
		}
		obj := &unstructured.Unstructured{}
		obj.SetGroupVersionKind(gvk)
		b = b.Watches(obj, manager.NewResourceToClaimHandler(comp.GVK.Kind))
	}

	return b.Complete(c)
}

// NewController constructs a reconciler for claims of the given kind without
// registering it with a manager.
func NewController(cli client.Client, gvk schema.GroupVersionKind, opts Options) *Controller {
	c := &Controller{
		client:                cli,
		gvk:                   gvk,
		registry:              opts.Registry,
		timeout:               opts.Timeout,
		callTimeout:           opts.CallTimeout,
		readinessPollInterval: opts.ReadinessPollInterval,
		resyncInterval:        opts.ResyncInterval,
		backoff:               opts.ApplyBackoff,
		conflictRetries:       opts.ConflictRetries,
		resourceLabels:        opts.ResourceLabels,
		inflight:              newInflight(),
	}
	if c.timeout == 0 {
		c.timeout = time.Minute
	}
	if c.callTimeout == 0 {
		c.callTimeout = 10 * time.Second
	}
	if c.readinessPollInterval == 0 {
		c.readinessPollInterval = 5 * time.Second
	}
	if c.resyncInterval == 0 {
		c.resyncInterval = 10 * time.Minute
	}
	if c.backoff.Steps == 0 {
		c.backoff = retryBackoff
	}
	return c
}

// retryBackoff allows five attempts per write within a pass.
var retryBackoff = wait.Backoff{
	Steps:    5,
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

func newRateLimiter(qps float64, burst int) workqueue.TypedRateLimiter[reconcile.Request] {
	if qps <= 0 {
		return workqueue.DefaultTypedControllerRateLimiter[reconcile.Request]()
	}
	return workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](250*time.Millisecond, 5*time.Minute),
		&workqueue.TypedBucketRateLimiter[reconcile.Request]{Limiter: rate.NewLimiter(rate.Limit(qps), max(burst, 1))},
	)
}

// claimEventHandler enqueues claims and cancels any in-flight pass that was started
// for an older generation of the same claim.
func (c *Controller) claimEventHandler() handler.EventHandler {
	enqueue := func(q workqueue.TypedRateLimitingInterface[reconcile.Request], obj client.Object) {
		q.Add(reconcile.Request{NamespacedName: client.ObjectKeyFromObject(obj)})
	}
	return handler.Funcs{
		CreateFunc: func(ctx context.Context, e event.CreateEvent, q workqueue.TypedRateLimitingInterface[reconcile.Request]) {
			enqueue(q, e.Object)
		},
		UpdateFunc: func(ctx context.Context, e event.UpdateEvent, q workqueue.TypedRateLimitingInterface[reconcile.Request]) {
			deleting := e.ObjectOld.GetDeletionTimestamp() == nil && e.ObjectNew.GetDeletionTimestamp() != nil
			if deleting || e.ObjectNew.GetGeneration() > e.ObjectOld.GetGeneration() {
				c.Supersede(client.ObjectKeyFromObject(e.ObjectNew), e.ObjectNew.GetGeneration(), deleting)
			}
			enqueue(q, e.ObjectNew)
		},
		DeleteFunc: func(ctx context.Context, e event.DeleteEvent, q workqueue.TypedRateLimitingInterface[reconcile.Request]) {
			c.terminal.Delete(client.ObjectKeyFromObject(e.Object))
			enqueue(q, e.Object)
		},
		GenericFunc: func(ctx context.Context, e event.GenericEvent, q workqueue.TypedRateLimitingInterface[reconcile.Request]) {
			enqueue(q, e.Object)
		},
	}
}

// Supersede abandons the in-flight pass for a claim if it was started for an older
// generation, or unconditionally when the claim is being deleted.
func (c *Controller) Supersede(key types.NamespacedName, generation int64, deleting bool) {
	c.inflight.supersede(key, generation, deleting)
}

func (c *Controller) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		reconciliationLatency.WithLabelValues(c.gvk.Kind).Observe(time.Since(start).Seconds())
	}()

	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(c.gvk)
	err := c.client.Get(ctx, req.NamespacedName, obj)
	if err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(fmt.Errorf("getting claim: %w", err))
	}
	logger := logr.FromContextOrDiscard(ctx).WithValues("claimKind", c.gvk.Kind, "claimGeneration", obj.GetGeneration())

	ctx, span := tracing.StartReconcileSpan(ctx, c.gvk.Kind, req.Namespace, req.Name)
	defer span.End()

	ctx, done := c.inflight.begin(ctx, req.NamespacedName, obj.GetGeneration())
	defer done()
	ctx = logr.NewContext(ctx, logger)

	var result ctrl.Result
	if obj.GetDeletionTimestamp() != nil {
		result, err = c.finalize(ctx, obj)
	} else {
		result, err = c.reconcile(ctx, obj)
	}
	if errors.Is(context.Cause(ctx), errSuperseded) {
		logger.V(1).Info("abandoning pass because the claim changed")
		return ctrl.Result{}, nil
	}
	tracing.RecordError(span, err)
	return result, err
}

func (c *Controller) reconcile(ctx context.Context, obj *unstructured.Unstructured) (ctrl.Result, error) {
	logger := logr.FromContextOrDiscard(ctx)
	key := client.ObjectKeyFromObject(obj)
	registry := c.registry.Load()

	if mark, ok := c.terminal.Load(key); ok {
		m := mark.(terminalMark)
		if m.claimGeneration == obj.GetGeneration() && m.registryGeneration == registry.Generation() {
			logger.V(1).Info("skipping claim that failed terminally at this generation")
			return ctrl.Result{}, nil
		}
		c.terminal.Delete(key)
	}

	if controllerutil.AddFinalizer(obj, apiv1.CascadeFinalizer) {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := c.client.Update(callCtx, obj)
		cancel()
		if err != nil {
			return ctrl.Result{}, fmt.Errorf("adding finalizer: %w", err)
		}
		logger.V(1).Info("added cascade finalizer")
	}

	prev := ReadStatus(obj)
	next := ReadStatus(obj)
	next.ObservedGeneration = obj.GetGeneration()

	ready, err := c.sync(ctx, registry, obj, next)
	if cause := context.Cause(ctx); cause != nil {
		if !errors.Is(cause, context.DeadlineExceeded) {
			return ctrl.Result{}, cause
		}
		// The pass ran out of time so its status is written under a fresh deadline
		err = fmt.Errorf("pass did not finish in %s: %w", c.timeout, cause)
		reconciliationFailures.WithLabelValues(c.gvk.Kind, string(errdefs.ReasonOf(err))).Inc()
		recordFailure(next, obj.GetGeneration(), err)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
		defer cancel()
		if serr := c.writeStatus(sctx, obj, prev, next); serr != nil {
			return ctrl.Result{}, serr
		}
		return ctrl.Result{}, err
	}
	if err != nil {
		reason := errdefs.ReasonOf(err)
		reconciliationFailures.WithLabelValues(c.gvk.Kind, string(reason)).Inc()
		recordFailure(next, obj.GetGeneration(), err)
		if serr := c.writeStatus(ctx, obj, prev, next); serr != nil {
			return ctrl.Result{}, serr
		}

		if errdefs.IsTerminal(err) {
			logger.Error(err, "claim cannot be reconciled until it is edited", "reason", reason)
			c.terminal.Store(key, terminalMark{claimGeneration: obj.GetGeneration(), registryGeneration: registry.Generation()})
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	recordSuccess(next, obj.GetGeneration(), ready)
	if err := c.writeStatus(ctx, obj, prev, next); err != nil {
		return ctrl.Result{}, err
	}

	if ready.Summary == apiv1.SummaryReady {
		return ctrl.Result{RequeueAfter: wait.Jitter(c.resyncInterval, 0.1)}, nil
	}
	return ctrl.Result{RequeueAfter: wait.Jitter(c.readinessPollInterval, 0.1)}, nil
}

// sync runs one pass of synthesis, diffing, applying and observing for the claim.
// Fields of st not related to readiness are updated as the pass progresses.
func (c *Controller) sync(ctx context.Context, registry *composition.Registry, obj *unstructured.Unstructured, st *apiv1.ClaimStatus) (*readiness.Result, error) {
	logger := logr.FromContextOrDiscard(ctx)

	cl, err := claim.FromUnstructured(obj)
	if err != nil {
		return nil, errdefs.InvalidValue("spec", err)
	}
	comp, err := registry.Resolve(cl)
	if err != nil {
		return nil, err
	}
	st.CompositionRevision = comp.Spec.Revision

	_, span := tracing.StartPhaseSpan(ctx, string(apiv1.StateSynthesizing))
	desired, err := synthesis.Synthesize(comp, cl)
	tracing.RecordError(span, err)
	span.End()
	if err != nil {
		return nil, err
	}
	c.stampResourceLabels(desired)
	if err := stampLastApplied(desired); err != nil {
		return nil, err
	}

	if err := c.checkReferences(ctx, desired.References); err != nil {
		return nil, err
	}

	dctx, span := tracing.StartPhaseSpan(ctx, string(apiv1.StateDiffing))
	observed, err := c.observe(dctx, cl.Identity(), c.managedTypes(comp, st))
	tracing.RecordError(span, err)
	span.End()
	if err != nil {
		return nil, err
	}
	p := buildPlan(desired, observed)
	logger.V(1).Info("computed plan", "writes", len(p.writes), "deletes", len(p.deletes), "desired", len(desired.Resources), "observed", len(observed))

	current := p.current
	if !p.empty() {
		actx, span := tracing.StartPhaseSpan(ctx, string(apiv1.StateApplying))
		current, err = c.apply(actx, p)
		tracing.RecordError(span, err)
		span.End()
		if err != nil {
			return nil, err
		}
	}

	octx, span := tracing.StartPhaseSpan(ctx, string(apiv1.StateObserving))
	defer span.End()
	obs := make([]readiness.Observation, len(desired.Resources))
	for i, res := range desired.Resources {
		obs[i] = readiness.Observation{
			APIVersion: res.GVK.GroupVersion().String(),
			Kind:       res.GVK.Kind,
			Name:       res.Name,
			Checks:     res.Checks,
			Observed:   current[res.Ref],
		}
	}
	return readiness.Evaluate(octx, obs), nil
}

func (c *Controller) stampResourceLabels(desired *synthesis.DesiredSet) {
	if len(c.resourceLabels) == 0 {
		return
	}
	for _, res := range desired.Resources {
		res.Object.SetLabels(labels.Merge(c.resourceLabels, res.Object.GetLabels()))
	}
}

// checkReferences confirms that every object named by the claim exists.
func (c *Controller) checkReferences(ctx context.Context, refs []synthesis.Ref) error {
	for _, ref := range refs {
		obj := &unstructured.Unstructured{}
		obj.SetGroupVersionKind(ref.GVK)
		obj.SetName(ref.Name)
		obj.SetNamespace(ref.Namespace)
		_, err := c.get(ctx, obj)
		if err == nil {
			continue
		}
		if client.IgnoreNotFound(err) == nil {
			return errdefs.NotYetAvailable(ref.GVK.Kind, ref.Namespace, ref.Name)
		}
		return fmt.Errorf("getting referenced %s: %w", ref, err)
	}
	return nil
}

// observe lists the resources owned by a claim, keyed by identity.
func (c *Controller) observe(ctx context.Context, owner claim.Identity, gvks []schema.GroupVersionKind) (map[synthesis.Ref]*unstructured.Unstructured, error) {
	logger := logr.FromContextOrDiscard(ctx)
	observed := map[synthesis.Ref]*unstructured.Unstructured{}
	for _, gvk := range gvks {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := c.client.List(callCtx, list, client.InNamespace(owner.Namespace), client.MatchingLabels(synthesis.OwnershipLabels(owner)))
		cancel()
		if meta.IsNoMatchError(err) {
			logger.V(1).Info("resource type is not served - skipping", "group", gvk.Group, "version", gvk.Version, "kind", gvk.Kind)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", gvk.Kind, err)
		}

		for i := range list.Items {
			item := &list.Items[i]
			item.SetGroupVersionKind(gvk)
			observed[synthesis.Ref{GVK: gvk, Namespace: item.GetNamespace(), Name: item.GetName()}] = item
		}
	}
	return observed, nil
}

// managedTypes returns every resource type the claim may own: those its composition
// can emit, plus those recorded in status by an earlier composition revision.
func (c *Controller) managedTypes(comp *composition.Compiled, st *apiv1.ClaimStatus) []schema.GroupVersionKind {
	var gvks []schema.GroupVersionKind
	if comp != nil {
		gvks = append(gvks, comp.GVKs()...)
	}
	for _, res := range st.Resources {
		gvk := schema.FromAPIVersionAndKind(res.APIVersion, res.Kind)
		if !slices.Contains(gvks, gvk) {
			gvks = append(gvks, gvk)
		}
	}
	slices.SortFunc(gvks, func(a, b schema.GroupVersionKind) int { return strings.Compare(a.String(), b.String()) })
	return gvks
}

// inflight tracks the cancel function of the pass running for each claim.
type inflight struct {
	mu     sync.Mutex
	passes map[types.NamespacedName]*pass
}

type pass struct {
	generation int64
	cancel     context.CancelCauseFunc
}

func newInflight() *inflight {
	return &inflight{passes: map[types.NamespacedName]*pass{}}
}

func (f *inflight) begin(ctx context.Context, key types.NamespacedName, generation int64) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	p := &pass{generation: generation, cancel: cancel}

	f.mu.Lock()
	f.passes[key] = p
	f.mu.Unlock()

	return ctx, func() {
		f.mu.Lock()
		if f.passes[key] == p {
			delete(f.passes, key)
		}
		f.mu.Unlock()
		cancel(nil)
	}
}

func (f *inflight) supersede(key types.NamespacedName, generation int64, force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.passes[key]
	if !ok || (!force && p.generation >= generation) {
		return
	}
	p.cancel(errSuperseded)
	delete(f.passes, key)
}
