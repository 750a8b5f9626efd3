package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/bizmatters/compositor/internal/composition"
	"github.com/bizmatters/compositor/internal/controllers/reconciliation"
	"github.com/bizmatters/compositor/internal/controllers/watchdog"
	"github.com/bizmatters/compositor/internal/k8s"
	"github.com/bizmatters/compositor/internal/logging"
	"github.com/bizmatters/compositor/internal/manager"
	"github.com/bizmatters/compositor/pkg/config"
)

var buildVersion string

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := ctrl.SetupSignalHandler()
	var (
		debugLogging       bool
		kubeconfigFile     string
		compositionDir     string
		watchdogThreshold  time.Duration
		statusLogFrequency time.Duration
		resourceLabels     config.Labels

		mgrOpts = &manager.Options{
			Rest: &rest.Config{},
		}

		recOpts = reconciliation.Options{
			ApplyBackoff: wait.Backoff{Factor: 2, Jitter: 0.1},
		}
	)
	flag.BoolVar(&debugLogging, "debug", false, "Enable debug logging")
	flag.StringVar(&kubeconfigFile, "kubeconfig", "", "Path to a kubeconfig file. The in-cluster or default config is used if this is not provided")
	flag.StringVar(&compositionDir, "composition-dir", "", "Optional directory of composition manifests loaded in addition to the built-in compositions. Re-read on SIGHUP")
	flag.IntVar(&recOpts.Concurrency, "concurrency", 4, "Number of claims of each kind reconciled in parallel")
	flag.DurationVar(&recOpts.Timeout, "timeout", time.Minute, "Maximum duration of a single reconciliation pass")
	flag.DurationVar(&recOpts.CallTimeout, "call-timeout", 10*time.Second, "Maximum duration of a single apiserver call")
	flag.DurationVar(&recOpts.ReadinessPollInterval, "readiness-poll-interval", 5*time.Second, "Interval at which claims with non-ready resources are re-checked")
	flag.DurationVar(&recOpts.ResyncInterval, "resync-interval", 10*time.Minute, "Interval at which ready claims are re-reconciled to correct drift")
	flag.IntVar(&recOpts.ApplyBackoff.Steps, "apply-retries", 5, "Attempts per resource write before a pass fails")
	flag.DurationVar(&recOpts.ApplyBackoff.Duration, "apply-retry-delay", 100*time.Millisecond, "Initial delay between attempts of a failed resource write")
	flag.IntVar(&recOpts.ConflictRetries, "conflict-retries", 3, "Re-reads of a resource that changed while it was being updated")
	flag.Float64Var(&recOpts.QPS, "reconcile-qps", 0, "Max claims dequeued per second per kind. Zero uses the default rate limiter")
	flag.IntVar(&recOpts.Burst, "reconcile-burst", 10, "Burst of the claim dequeue rate limiter")
	flag.Var(&resourceLabels, "resource-labels", "Comma-separated key=value labels added to every managed resource")
	flag.DurationVar(&watchdogThreshold, "watchdog-threshold", 3*time.Minute, "How long a claim may be unreconciled or non-ready before it is reported by the watchdog")
	flag.DurationVar(&statusLogFrequency, "status-log-frequency", 0, "Interval at which the status of every claim is logged. Zero logs only transitions")
	mgrOpts.Bind(flag.CommandLine)
	flag.Parse()

	zapCfg := zap.NewProductionConfig()
	if debugLogging {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zl, err := zapCfg.Build()
	if err != nil {
		return err
	}
	logger := logging.NewLoggerWithBuild(zl, buildVersion)
	ctx = logr.NewContext(ctx, logger)

	restConfig, err := k8s.GetRESTConfig(kubeconfigFile)
	if err != nil {
		return err
	}
	restConfig.Burst = mgrOpts.Rest.Burst
	restConfig.UserAgent = "compositor-controller"
	mgrOpts.Rest = restConfig

	reg, err := composition.LoadRegistry(compositionDir)
	if err != nil {
		return fmt.Errorf("loading compositions: %w", err)
	}
	registry := &atomic.Pointer[composition.Registry]{}
	registry.Store(reg)
	recOpts.Registry = registry
	recOpts.ResourceLabels = resourceLabels

	mgr, err := manager.New(logger, mgrOpts, managedTypes(reg))
	if err != nil {
		return fmt.Errorf("constructing manager: %w", err)
	}

	err = reconciliation.New(mgr, recOpts)
	if err != nil {
		return fmt.Errorf("constructing reconciliation controllers: %w", err)
	}

	err = watchdog.NewController(mgr, claimKinds(reg), watchdogThreshold)
	if err != nil {
		return fmt.Errorf("constructing watchdog controller: %w", err)
	}

	for _, gvk := range claimKinds(reg) {
		err = logging.NewClaimStatusLogger(mgr, gvk, statusLogFrequency)
		if err != nil {
			return fmt.Errorf("constructing %s status logger: %w", gvk.Kind, err)
		}
	}

	if compositionDir != "" {
		go reloadOnSignal(ctx, registry, compositionDir)
	}

	logger.V(0).Info("starting controller", "compositions", len(reg.Compositions()), "registryGeneration", reg.Generation())
	return mgr.Start(ctx)
}

// reloadOnSignal re-reads the composition directory on every SIGHUP. Compositions for
// claim kinds that were not present at startup take effect after a restart.
func reloadOnSignal(ctx context.Context, registry *atomic.Pointer[composition.Registry], dir string) {
	logger := logr.FromContextOrDiscard(ctx)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
		}
		if err := reload(registry, dir); err != nil {
			logger.Error(err, "failed to reload compositions - keeping the current set")
			continue
		}
		next := registry.Load()
		logger.V(0).Info("reloaded compositions", "registryGeneration", next.Generation(), "compositions", len(next.Compositions()))
	}
}

func reload(registry *atomic.Pointer[composition.Registry], dir string) error {
	prev := registry.Load()
	next, err := composition.ReloadRegistry(prev, dir)
	if err != nil {
		return err
	}
	for _, kind := range claimKinds(next) {
		if _, ok := prev.Lookup(kind); !ok {
			return fmt.Errorf("composition for new claim kind %s requires a restart", kind.Kind)
		}
	}
	registry.Store(next)
	return nil
}

func claimKinds(reg *composition.Registry) []schema.GroupVersionKind {
	kinds := make([]schema.GroupVersionKind, 0, len(reg.Compositions()))
	for _, comp := range reg.Compositions() {
		kinds = append(kinds, comp.GVK)
	}
	return kinds
}

// managedTypes returns every resource type emitted by any composition, without duplicates.
func managedTypes(reg *composition.Registry) []schema.GroupVersionKind {
	var gvks []schema.GroupVersionKind
	for _, comp := range reg.Compositions() {
		for _, gvk := range comp.GVKs() {
			if !slices.Contains(gvks, gvk) {
				gvks = append(gvks, gvk)
			}
		}
	}
	slices.SortFunc(gvks, func(a, b schema.GroupVersionKind) int { return strings.Compare(a.String(), b.String()) })
	return gvks
}
