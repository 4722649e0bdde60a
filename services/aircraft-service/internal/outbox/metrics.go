package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	dispatched   *prometheus.CounterVec
	latency      prometheus.Histogram
	deadLettered prometheus.Counter
	deliveryLag  prometheus.Histogram
	claimed      prometheus.Histogram
}

// newMetrics registers the dispatcher collectors on reg. A nil reg yields
// working collectors that are not exported anywhere.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airfleet",
			Subsystem: "outbox",
			Name:      "dispatch_total",
			Help:      "Outbox dispatch attempts by result.",
		}, []string{"result"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airfleet",
			Subsystem: "outbox",
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent sending one event to the bus.",
			Buckets:   prometheus.DefBuckets,
		}),
		deadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "airfleet",
			Subsystem: "outbox",
			Name:      "dead_lettered_total",
			Help:      "Entries moved to the dead-letter state.",
		}),
		deliveryLag: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airfleet",
			Subsystem: "outbox",
			Name:      "delivery_lag_seconds",
			Help:      "Time from commit of an aircraft change to delivery of its event.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		claimed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airfleet",
			Subsystem: "outbox",
			Name:      "claimed",
			Help:      "Entries leased per claim.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
	}
}
