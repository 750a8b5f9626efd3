package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	stuckReconciling = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compositor_claims_stuck_reconciling_total",
			Help: "Number of claims whose latest generation has not been reconciled within the threshold",
		}, []string{"kind"},
	)

	nonready = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compositor_claims_nonready_total",
			Help: "Number of synced claims whose resources have not become ready within the threshold",
		}, []string{"kind"},
	)

	terminalErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compositor_claims_terminal_error_total",
			Help: "Number of claims that failed with an error that will not be retried until they are edited",
		}, []string{"kind"},
	)
)

func init() {
	metrics.Registry.MustRegister(stuckReconciling, nonready, terminalErrors)
}
