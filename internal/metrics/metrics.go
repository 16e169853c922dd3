// Package metrics exposes the broker's Prometheus instrumentation: ambient
// observability carried regardless of spec.md's non-goals, which scope out
// *features* (replication, exactly-once, compaction) but not operability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters/gauges cmd/broker exposes on /metrics.
type Metrics struct {
	RecordsProduced   *prometheus.CounterVec
	OffsetsCommitted  *prometheus.CounterVec
	Rebalances        prometheus.Counter
	CurrentGeneration prometheus.Gauge
	ReaderLag         *prometheus.GaugeVec
}

// New registers and returns a Metrics bundle on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "records_produced_total",
			Help:      "Records successfully appended, by partition.",
		}, []string{"partition"}),
		OffsetsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "offsets_committed_total",
			Help:      "Offset commits, by group and partition.",
		}, []string{"group", "partition"}),
		Rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "rebalances_total",
			Help:      "Group rebalances observed by this process.",
		}),
		CurrentGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerd",
			Name:      "current_generation",
			Help:      "Generation this process last observed.",
		}),
		ReaderLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "brokerd",
			Name:      "reader_lag",
			Help:      "High watermark minus committed offset, by group and partition.",
		}, []string{"group", "partition"}),
	}

	reg.MustRegister(m.RecordsProduced, m.OffsetsCommitted, m.Rebalances, m.CurrentGeneration, m.ReaderLag)
	return m
}
