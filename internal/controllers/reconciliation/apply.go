package reconciliation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp/cmpopts"
	gocmp "github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/bizmatters/compositor/internal/errdefs"
	"github.com/bizmatters/compositor/internal/synthesis"
	"github.com/bizmatters/compositor/internal/tracing"
)

// apply issues the plan's writes in ascending ordering groups and then its deletes.
// The first failing write abandons the rest of the pass. The returned map holds the
// latest known state of every desired resource.
func (c *Controller) apply(ctx context.Context, p *plan) (map[synthesis.Ref]*unstructured.Unstructured, error) {
	current := p.current

	groups := redblacktree.New[int, []*action]()
	for _, a := range p.writes {
		group, _ := groups.Get(a.ordering)
		groups.Put(a.ordering, append(group, a))
	}

	it := groups.Iterator()
	for it.Next() {
		ordering, group := it.Key(), it.Value()
		gctx, span := tracing.StartPhaseSpan(ctx, "applyGroup", attribute.Int("ordering", ordering), attribute.Int("writes", len(group)))
		for _, a := range group {
			if ctx.Err() != nil {
				span.End()
				return current, context.Cause(ctx)
			}
			live, err := c.write(gctx, a)
			if err != nil {
				tracing.RecordError(span, err)
				span.End()
				return current, fmt.Errorf("%s %s: %w", a.verb, a.ref, err)
			}
			current[a.ref] = live
		}
		span.End()
	}

	for _, a := range p.deletes {
		if ctx.Err() != nil {
			return current, context.Cause(ctx)
		}
		if _, err := c.write(ctx, a); err != nil {
			return current, fmt.Errorf("%s %s: %w", a.verb, a.ref, err)
		}
	}
	return current, nil
}

// write performs one action, retrying transient store failures with backoff.
func (c *Controller) write(ctx context.Context, a *action) (*unstructured.Unstructured, error) {
	var live *unstructured.Unstructured
	err := retry.OnError(c.backoff, retriable, func() (err error) {
		switch a.verb {
		case verbCreate:
			live, err = c.create(ctx, a.desired)
		case verbUpdate:
			live, err = c.update(ctx, a.desired, a.observed)
		case verbDelete:
			err = c.delete(ctx, a.observed)
		}
		return err
	})
	return live, err
}

func (c *Controller) create(ctx context.Context, desired *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("resourceKind", desired.GetKind(), "resourceName", desired.GetName())

	obj := desired.DeepCopy()
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	reconciliationActions.WithLabelValues(string(verbCreate)).Inc()
	err := c.client.Create(callCtx, obj)
	if apierrors.IsAlreadyExists(err) {
		// Our last observation is stale: converge against the live object instead
		logger.V(1).Info("resource already exists - updating it instead")
		current, err := c.get(ctx, desired)
		if err != nil {
			return nil, errdefs.ApplyFailure(string(verbCreate), err)
		}
		return c.update(ctx, desired, current)
	}
	if err != nil {
		return nil, errdefs.ApplyFailure(string(verbCreate), err)
	}

	logger.V(0).Info("created resource")
	return obj, nil
}

// update converges the observed object toward desired. On a resource version conflict
// the object is re-read and re-diffed, a bounded number of times.
func (c *Controller) update(ctx context.Context, desired, observed *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("resourceKind", desired.GetKind(), "resourceName", desired.GetName())

	for attempt := 0; ; attempt++ {
		if !needsUpdate(desired, observed) {
			logger.V(1).Info("skipping empty update")
			return observed, nil
		}
		updated, err := merge(desired, observed)
		if err != nil {
			return nil, errdefs.ApplyFailure(string(verbUpdate), err)
		}
		if logger.V(1).Enabled() {
			logger.V(1).Info("resource drifted from its desired state", "diff", gocmp.Diff(observed.Object, updated.Object, cmpopts.EquateEmpty()))
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		reconciliationActions.WithLabelValues(string(verbUpdate)).Inc()
		err = c.client.Update(callCtx, updated)
		cancel()
		if err == nil {
			logger.V(0).Info("updated resource", "resourceVersion", updated.GetResourceVersion(), "previousResourceVersion", observed.GetResourceVersion())
			return updated, nil
		}
		if !apierrors.IsConflict(err) {
			return nil, errdefs.ApplyFailure(string(verbUpdate), err)
		}

		reconciliationConflicts.Inc()
		if attempt >= c.conflictRetries {
			return nil, errdefs.Conflict(err)
		}
		logger.V(1).Info("resource changed since it was observed - re-reading", "attempt", attempt+1)

		observed, err = c.get(ctx, desired)
		if apierrors.IsNotFound(err) {
			return c.create(ctx, desired)
		}
		if err != nil {
			return nil, errdefs.ApplyFailure(string(verbUpdate), err)
		}
	}
}

func (c *Controller) delete(ctx context.Context, observed *unstructured.Unstructured) error {
	logger := logr.FromContextOrDiscard(ctx).WithValues("resourceKind", observed.GetKind(), "resourceName", observed.GetName())

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	reconciliationActions.WithLabelValues(string(verbDelete)).Inc()
	err := c.client.Delete(callCtx, observed)
	if apierrors.IsNotFound(err) {
		logger.V(1).Info("resource was already deleted")
		return nil
	}
	if err != nil {
		return errdefs.ApplyFailure(string(verbDelete), err)
	}
	logger.V(0).Info("deleted resource")
	return nil
}

func (c *Controller) get(ctx context.Context, like *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	current := &unstructured.Unstructured{}
	current.SetGroupVersionKind(like.GroupVersionKind())
	err := c.client.Get(callCtx, client.ObjectKeyFromObject(like), current)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// retriable is true for store failures that may succeed on a later attempt.
// Rejections of the request itself are returned immediately.
func retriable(err error) bool {
	if errdefs.ReasonOf(err) != errdefs.ReasonApplyFailure {
		return false
	}
	var e *errdefs.Error
	if errors.As(err, &e) && e.Err != nil {
		err = e.Err
	}
	switch {
	case errors.Is(err, context.Canceled),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsNotFound(err),
		apierrors.IsMethodNotSupported(err),
		meta.IsNoMatchError(err):
		return false
	}
	return true
}

func sortActions(actions []*action) {
	slices.SortFunc(actions, func(a, b *action) int {
		return cmp.Or(
			cmp.Compare(a.ordering, b.ordering),
			cmp.Compare(a.ref.GVK.String(), b.ref.GVK.String()),
			cmp.Compare(a.ref.Name, b.ref.Name),
		)
	})
}
