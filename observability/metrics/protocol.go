// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics counts protocol actions and their outcomes.
type ProtocolMetrics struct {
	actionsTotal      *prometheus.CounterVec
	liquidationsTotal *prometheus.CounterVec
	swapVolume        *prometheus.CounterVec
	oracleUpdates     prometheus.Counter
	staleOracleReads  prometheus.Counter
	eventCounter      prometheus.Gauge
}

var (
	protocolOnce     sync.Once
	protocolRegistry *ProtocolMetrics
)

// Protocol returns the process-wide protocol metrics, registering them
// on first use.
func Protocol() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "clone_actions_total",
				Help: "Count of dispatched protocol actions by name and result.",
			}, []string{"action", "result"}),
			liquidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "clone_liquidations_total",
				Help: "Count of executed liquidations by position kind.",
			}, []string{"kind"}),
			swapVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "clone_swap_volume_total",
				Help: "Cumulative swap input volume by pool and direction.",
			}, []string{"pool", "direction"}),
			oracleUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "clone_oracle_updates_total",
				Help: "Count of accepted oracle feed updates.",
			}),
			staleOracleReads: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "clone_stale_oracle_rejections_total",
				Help: "Count of actions rejected because an oracle reading was stale.",
			}),
			eventCounter: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "clone_event_counter",
				Help: "Next protocol event sequence id.",
			}),
		}
		prometheus.MustRegister(
			protocolRegistry.actionsTotal,
			protocolRegistry.liquidationsTotal,
			protocolRegistry.swapVolume,
			protocolRegistry.oracleUpdates,
			protocolRegistry.staleOracleReads,
			protocolRegistry.eventCounter,
		)
	})
	return protocolRegistry
}

// ObserveAction records one dispatched action and its outcome.
func (m *ProtocolMetrics) ObserveAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.actionsTotal.WithLabelValues(action, result).Inc()
}

// ObserveLiquidation records an executed liquidation.
func (m *ProtocolMetrics) ObserveLiquidation(kind string) {
	m.liquidationsTotal.WithLabelValues(kind).Inc()
}

// ObserveSwap records executed swap volume in input-side units.
func (m *ProtocolMetrics) ObserveSwap(pool, direction string, volume float64) {
	m.swapVolume.WithLabelValues(pool, direction).Add(volume)
}

// ObserveOracleUpdate records an accepted feed update.
func (m *ProtocolMetrics) ObserveOracleUpdate() {
	m.oracleUpdates.Inc()
}

// ObserveStaleOracle records an action rejected on staleness.
func (m *ProtocolMetrics) ObserveStaleOracle() {
	m.staleOracleReads.Inc()
}

// SetEventCounter publishes the next event sequence id.
func (m *ProtocolMetrics) SetEventCounter(next uint64) {
	m.eventCounter.Set(float64(next))
}
