package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	reconciliationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compositor_reconciliation_duration_seconds",
			Help:    "Samples latency of an entire claim reconcile pass, partitioned by claim kind",
			Buckets: []float64{0.1, 0.5, 0.75, 1.0, 3.0, 6.0, 11.0, 20.0, 30.0, 40.0},
		}, []string{"kind"},
	)

	reconciliationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compositor_reconciliation_actions_total",
			Help: "Writes issued against managed resources, partitioned by action i.e. create, update, delete",
		}, []string{"action"},
	)

	reconciliationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compositor_reconciliation_failures_total",
			Help: "Failed reconcile passes, partitioned by claim kind and status reason",
		}, []string{"kind", "reason"},
	)

	reconciliationConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compositor_resource_version_conflicts_total",
			Help: "Cases where a managed resource changed between observation and update",
		},
	)

	statusWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compositor_claim_status_writes_total",
			Help: "Claim status subresource updates",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(reconciliationLatency, reconciliationActions, reconciliationFailures, reconciliationConflicts, statusWrites)
}
