/*
Package metrics provides Prometheus instrumentation and health/readiness
reporting for moorage.

It defines and registers the process's metrics using the Prometheus client
library, covering core reservation, IP pool usage, Docker driver calls,
agent attach attempts, and task engine throughput. Metrics are exposed over
HTTP for scraping; a separate component-health registry backs the
/health, /ready, and /live endpoints used by orchestrators and load
balancers.

# Metrics Catalog

Ledger:

	moorage_cores_reserved{host_id}           gauge   cores currently reserved on a host
	moorage_ports_reserved{host_id}           gauge   ports currently reserved on a host

IP pool:

	moorage_ips_assigned{network_id}          gauge   IPs currently assigned on a MACVLAN network
	moorage_ip_allocation_failures_total      counter acquires that found no free address

Docker driver:

	moorage_docker_call_duration_seconds{operation}  histogram
	moorage_docker_call_failures_total{operation}    counter

Agent bridge:

	moorage_agent_attach_attempts_total{transport,outcome}  counter
	moorage_agent_attach_duration_seconds{transport}        histogram

Task engine:

	moorage_tasks_total{kind,status}          counter total tasks by kind and terminal status
	moorage_task_duration_seconds{kind}       histogram
	moorage_containers_created_total          counter
	moorage_container_slot_failures_total     counter per-slot failures recovered locally during create

# Usage

	import "github.com/cuemby/moorage/pkg/metrics"

	metrics.TasksTotal.WithLabelValues("build_image", "SUCCESS").Inc()

	timer := metrics.NewTimer()
	err := dockerClient.ContainerCreate(ctx, params)
	timer.ObserveDurationVec(metrics.DockerCallDuration, "create_container")
	if err != nil {
		metrics.DockerCallFailures.WithLabelValues("create_container").Inc()
	}

# Health and Readiness

RegisterComponent/UpdateComponent record whether a dependency (storage,
broker, docker) is currently usable. HealthHandler reports unhealthy if
any registered component is unhealthy. ReadyHandler additionally requires
"storage", "broker", and "docker" to have been registered at all --
an unregistered critical component means not_ready rather than healthy.
LivenessHandler always returns 200 while the process is running, for use
as a restart-only liveness probe.

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Design Notes

All metrics are registered at package init via MustRegister, so they
exist (at zero) before the process ever handles a task. Labels are kept
low-cardinality: host/network/operation/kind/status, never task or
container IDs.
*/
package metrics
