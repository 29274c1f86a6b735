/*
Package metrics exposes Prometheus instrumentation and health/readiness
handlers for the coordinator.

Gauges track the live view a worker has of the cluster (partitions owned,
partitions unassigned, live peers); counters track protocol events (direct
and group transfers, dead-peer reclamations, CAS conflicts); histograms
track checkin latency (CheckinDuration, and StoreOpDuration under
op="checkin"). Individual store calls are not timed. Handler mounts the standard
promhttp exposition endpoint, and HealthHandler/ReadyHandler/LivenessHandler
back /health, /ready, and /live for the process supervisor.

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

Components report their own health via RegisterComponent/UpdateComponent;
"store" and "registry" are treated as critical for readiness.
*/
package metrics
