package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	GatewayConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent8ctr_gateway_connections_active",
			Help: "Number of currently open gateway websocket connections",
		},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent8ctr_gateway_requests_total",
			Help: "Total number of gateway requests by operation type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent8ctr_gateway_request_duration_seconds",
			Help:    "Gateway request handling duration in seconds by operation type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Process registry metrics
	ProcessesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent8ctr_processes_active",
			Help: "Number of currently running child processes",
		},
	)

	ProcessesSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent8ctr_processes_spawned_total",
			Help: "Total number of processes spawned",
		},
	)

	ProcessExitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent8ctr_process_exits_total",
			Help: "Total number of process exits by outcome",
		},
		[]string{"outcome"},
	)

	// Watcher registry metrics
	WatchersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent8ctr_watchers_active",
			Help: "Number of currently active filesystem watchers",
		},
	)

	FileEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent8ctr_file_events_total",
			Help: "Total number of normalized file change events by type",
		},
		[]string{"type"},
	)

	// Task engine metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent8ctr_tasks_total",
			Help: "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent8ctr_tasks_active",
			Help: "Number of tasks currently pending or running",
		},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent8ctr_task_duration_seconds",
			Help:    "Time from task creation to terminal status in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	// Action runner metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent8ctr_actions_total",
			Help: "Total number of actions executed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent8ctr_action_duration_seconds",
			Help:    "Time taken to execute a single action in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// VCS metrics
	GitOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent8ctr_git_operation_duration_seconds",
			Help:    "Time taken for a git operation in seconds by operation name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	GitOperationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent8ctr_git_operations_failed_total",
			Help: "Total number of failed git operations by operation name",
		},
		[]string{"operation"},
	)

	// Upstream LLM call metrics
	UpstreamCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent8ctr_upstream_call_duration_seconds",
			Help:    "Time spent streaming the upstream LLM response in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	UpstreamCallsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent8ctr_upstream_calls_failed_total",
			Help: "Total number of upstream LLM calls that failed",
		},
	)
)

func init() {
	prometheus.MustRegister(GatewayConnectionsActive)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRequestDuration)

	prometheus.MustRegister(ProcessesActive)
	prometheus.MustRegister(ProcessesSpawnedTotal)
	prometheus.MustRegister(ProcessExitTotal)

	prometheus.MustRegister(WatchersActive)
	prometheus.MustRegister(FileEventsTotal)

	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(TaskDuration)

	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionDuration)

	prometheus.MustRegister(GitOperationDuration)
	prometheus.MustRegister(GitOperationsFailedTotal)

	prometheus.MustRegister(UpstreamCallDuration)
	prometheus.MustRegister(UpstreamCallsFailedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
