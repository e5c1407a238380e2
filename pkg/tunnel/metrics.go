package tunnel

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries the tunnel's observability counters on a private
// prometheus registry. None of these affect relay correctness.
type Metrics struct {
	registry *prometheus.Registry

	Cycles         prometheus.Counter
	SnapshotErrors *prometheus.CounterVec
	Relayed        *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	BridgesOpened  *prometheus.CounterVec
	BridgesClosed  *prometheus.CounterVec
	OpenBridges    *prometheus.GaugeVec
	Conflicts      prometheus.Counter
	OpenFailures   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "shmtunnel_cycles_total",
			Help: "Reconciliation cycles completed.",
		}),
		SnapshotErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shmtunnel_snapshot_errors_total",
			Help: "Directory snapshot failures, treated as empty deltas.",
		}, []string{"side"}),
		Relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shmtunnel_samples_relayed_total",
			Help: "Samples relayed across the overlay hop.",
		}, []string{"direction"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shmtunnel_samples_dropped_total",
			Help: "Samples dropped instead of blocking the bus.",
		}, []string{"direction", "reason"}),
		BridgesOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shmtunnel_bridges_opened_total",
			Help: "Bridges opened by reconciliation.",
		}, []string{"direction"}),
		BridgesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shmtunnel_bridges_closed_total",
			Help: "Bridges retired by reconciliation or shutdown.",
		}, []string{"direction"}),
		OpenBridges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shmtunnel_bridges_open",
			Help: "Bridges currently open.",
		}, []string{"direction"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "shmtunnel_identity_conflicts_total",
			Help: "Local/remote type signature conflicts rejected.",
		}),
		OpenFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shmtunnel_bridge_open_failures_total",
			Help: "Bridge endpoint open attempts that failed.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
