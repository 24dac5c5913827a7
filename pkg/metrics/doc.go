/*
Package metrics provides Prometheus instrumentation for Helmsman.

Collectors are package-level variables registered once via Register and
served over HTTP with StartMetricsServer:

	metrics.Register()
	go metrics.StartMetricsServer(":9411")

# Exposed metrics

	helmsman_tasks_dispatched_total{type}      tasks handed to a handler
	helmsman_tasks_completed_total{type,status} terminal outcomes
	helmsman_tasks_in_flight                   single-flight guard occupancy
	helmsman_tasks_stale_total                 maintenance-sweep failures
	helmsman_dispatch_duration_seconds         handler execution histogram
	helmsman_bus_requests_in_flight            outstanding correlated calls
	helmsman_bus_timeouts_total                requests resolved by timeout
	helmsman_lease_pool_free                   remaining DHCP pool size

Timer is a small helper for histogram observations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)
*/
package metrics
