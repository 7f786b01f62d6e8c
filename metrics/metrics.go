// Package metrics exposes Prometheus counters/gauges for the
// scheduler core, grounded on cuemby-warren's pkg/metrics package
// (package-level prometheus.*Vec instances registered on a dedicated
// registry, a Timer helper for histogram observations). Wired directly
// into mtqueue's enqueue/dequeue/cancel hot paths and skiplist's
// restructure/epoch-advance paths, and served by cmd/musepq's
// bench --metrics-addr.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is a dedicated registry rather than the global default,
	// so repeated test runs in one process don't collide on duplicate
	// registration.
	Registry = prometheus.NewRegistry()

	EventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musepq_events_enqueued_total",
			Help: "Total events accepted by Enqueue/EnqueueBatch, by queue kind",
		},
		[]string{"queue_kind"},
	)

	EventsDequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musepq_events_dequeued_total",
			Help: "Total events returned by DequeueNextAgentEvents, by queue kind",
		},
		[]string{"queue_kind"},
	)

	EventsCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musepq_events_cancelled_total",
			Help: "Total events removed by EraseAfter, by queue kind",
		},
		[]string{"queue_kind"},
	)

	RestructuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "musepq_skiplist_restructures_total",
			Help: "Total skip-list head restructure operations performed",
		},
	)

	EpochAdvances = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "musepq_epoch_advances_total",
			Help: "Total epoch-GC epoch advances performed",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "musepq_queue_depth",
			Help: "Current pending event count, by queue kind",
		},
		[]string{"queue_kind"},
	)

	DequeueLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "musepq_dequeue_latency_seconds",
			Help:    "Wall-clock time spent in one DequeueNextAgentEvents call",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	Registry.MustRegister(
		EventsEnqueued,
		EventsDequeued,
		EventsCancelled,
		RestructuresTotal,
		EpochAdvances,
		QueueDepth,
		DequeueLatency,
	)
}

// Handler returns the Prometheus HTTP handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Timer times one operation, reporting its elapsed duration to a
// histogram on ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
