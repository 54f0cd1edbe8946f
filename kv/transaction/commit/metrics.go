package commit

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statesync",
			Subsystem: "commit",
			Name:      "total",
			Help:      "Counter of finished commits by outcome.",
		}, []string{"outcome"})

	commitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "statesync",
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of time from submit to resolve of a commit.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		})

	latchWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "statesync",
			Subsystem: "commit",
			Name:      "latch_wait_seconds",
			Help:      "Bucketed histogram of time spent waiting for key latches.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 18),
		})

	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "statesync",
			Subsystem: "commit",
			Name:      "pending",
			Help:      "Number of submitted commits not resolved yet.",
		})
)

func init() {
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(commitDuration)
	prometheus.MustRegister(latchWaitDuration)
	prometheus.MustRegister(pendingGauge)
}
