package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_tasks_dispatched_total",
			Help: "Tasks handed to a workflow handler, by task type",
		},
		[]string{"type"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_tasks_completed_total",
			Help: "Tasks reaching a terminal state, by type and outcome",
		},
		[]string{"type", "status"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helmsman_tasks_in_flight",
			Help: "Tasks currently held by the single-flight guard",
		},
	)

	TasksStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_tasks_stale_total",
			Help: "IN_PROGRESS tasks failed by the maintenance sweep",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helmsman_dispatch_duration_seconds",
			Help:    "Handler execution time per task",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	// Bus metrics
	BusRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helmsman_bus_requests_in_flight",
			Help: "Outstanding correlated bus requests",
		},
	)

	BusTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_bus_timeouts_total",
			Help: "Bus requests resolved by timeout",
		},
	)

	// Lease pool metrics
	LeasePoolFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helmsman_lease_pool_free",
			Help: "Free addresses remaining in the IP lease pool",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		TasksDispatchedTotal,
		TasksCompletedTotal,
		TasksInFlight,
		TasksStaleTotal,
		DispatchDuration,
		BusRequestsInFlight,
		BusTimeoutsTotal,
		LeasePoolFree,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts the metrics endpoint on the given address
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
