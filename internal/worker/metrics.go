// Prometheus instrumentation for the delivery worker.
//
// A message that fails persistence is redelivered until it succeeds (or, in
// bounded-retry mode, until it is dead-lettered). There is no in-band
// terminal failure state, so these collectors are the operational signal for
// a stuck message: a climbing requeued/dead count with a flat acked count
// means the record-api is rejecting something.
package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	// deliveriesTotal counts handled deliveries by queue and outcome:
	// acked, requeued, republished, dead.
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of handled broker deliveries.",
		},
		[]string{"queue", "outcome"},
	)

	// persistLatency records the record-api round trip per attempt.
	persistLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_persist_duration_seconds",
			Help:    "Duration of record-api persistence attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// inflightDeliveries gauges deliveries currently being processed.
	inflightDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_inflight_deliveries",
			Help: "Current number of in-flight broker deliveries.",
		},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal, persistLatency, inflightDeliveries)
}
