package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger metrics
	CoresReserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moorage_cores_reserved",
			Help: "Reserved cores by host",
		},
		[]string{"host_id"},
	)

	PortsReserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moorage_ports_reserved",
			Help: "Reserved ports by host",
		},
		[]string{"host_id"},
	)

	// IP pool metrics
	IPsAssigned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moorage_ips_assigned",
			Help: "Assigned IPs by network",
		},
		[]string{"network_id"},
	)

	IPAllocationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moorage_ip_allocation_failures_total",
			Help: "Total IP acquisitions that found no free address",
		},
	)

	// Docker driver metrics
	DockerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moorage_docker_call_duration_seconds",
			Help:    "Duration of Docker Driver calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DockerCallFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moorage_docker_call_failures_total",
			Help: "Total Docker Driver call failures",
		},
		[]string{"operation"},
	)

	// Agent bridge metrics
	AgentAttachAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moorage_agent_attach_attempts_total",
			Help: "Total MACVLAN attach attempts by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	AgentAttachDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moorage_agent_attach_duration_seconds",
			Help:    "Duration of a single successful attach attempt, excluding retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	// Task engine metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moorage_tasks_total",
			Help: "Total tasks processed by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moorage_task_duration_seconds",
			Help:    "Task duration in seconds by kind",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moorage_containers_created_total",
			Help: "Total containers successfully created",
		},
	)

	ContainerSlotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moorage_container_slot_failures_total",
			Help: "Total per-container slot failures recovered locally during create tasks",
		},
	)
)

func init() {
	prometheus.MustRegister(CoresReserved)
	prometheus.MustRegister(PortsReserved)
	prometheus.MustRegister(IPsAssigned)
	prometheus.MustRegister(IPAllocationFailures)
	prometheus.MustRegister(DockerCallDuration)
	prometheus.MustRegister(DockerCallFailures)
	prometheus.MustRegister(AgentAttachAttempts)
	prometheus.MustRegister(AgentAttachDuration)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ContainerSlotFailures)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
