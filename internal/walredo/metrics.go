package walredo

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pageserver"

// Metrics collected on WAL redo operations. Time spent in actual redo and
// time spent waiting for the process are kept apart, since there is only
// one process per tenant.
type Metrics struct {
	RedoTime        prometheus.Histogram
	WaitTime        prometheus.Histogram
	RecordsReplayed prometheus.Counter
}

// NewMetrics creates the metric handles. They are shared by every manager
// and registered once with InitMetrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RedoTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wal_redo_time",
			Help:      "Time spent on WAL redo",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.0, 18),
		}),
		WaitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wal_redo_wait_time",
			Help:      "Time spent waiting for access to the WAL redo process",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.0, 18),
		}),
		RecordsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_records_replayed",
			Help:      "Number of WAL records replayed",
		}),
	}
}

// InitMetrics registers all metrics in m
func (m *Metrics) InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(m.RedoTime)
	registry.MustRegister(m.WaitTime)
	registry.MustRegister(m.RecordsReplayed)
}
