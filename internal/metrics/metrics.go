// ABOUTME: Prometheus collectors for gateway activity.
// ABOUTME: All methods are nil-safe so components can run without metrics wired.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lab_gateway"

// Metrics exposes Prometheus collectors shared across the gateway components.
type Metrics struct {
	tasksActive     prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
	taskRetries     *prometheus.CounterVec
	heartbeatMisses *prometheus.CounterVec
	droppedEvents   prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	workflowAgents  *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance on the provided registerer.
// Registration errors panic, mirroring promauto semantics, except for
// AlreadyRegisteredError, where the existing collector is reused. That keeps
// repeated construction safe in tests and multi-component wiring.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tasksActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "tasks_active",
		Help:      "Number of tasks currently running.",
	})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "task_duration_seconds",
		Help:      "Time from task start to terminal status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind", "status"})
	taskRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "task_retries_total",
		Help:      "Number of task attempts beyond the first.",
	}, []string{"kind"})
	heartbeatMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "heartbeat_misses_total",
		Help:      "Missed heartbeat probes per agent.",
	}, []string{"agent_id"})
	droppedEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "dropped_events_total",
		Help:      "Events dropped for slow subscribers.",
	})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each workflow stage per agent.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
	workflowAgents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "agents_total",
		Help:      "Workflow agent outcomes by terminal status.",
	}, []string{"status"})

	collectors := []prometheus.Collector{
		tasksActive, taskDuration, taskRetries, heartbeatMisses,
		droppedEvents, stageDuration, workflowAgents,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case tasksActive:
				tasksActive = already.ExistingCollector.(prometheus.Gauge)
			case taskDuration:
				taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case taskRetries:
				taskRetries = already.ExistingCollector.(*prometheus.CounterVec)
			case heartbeatMisses:
				heartbeatMisses = already.ExistingCollector.(*prometheus.CounterVec)
			case droppedEvents:
				droppedEvents = already.ExistingCollector.(prometheus.Counter)
			case stageDuration:
				stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case workflowAgents:
				workflowAgents = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}

	return &Metrics{
		tasksActive:     tasksActive,
		taskDuration:    taskDuration,
		taskRetries:     taskRetries,
		heartbeatMisses: heartbeatMisses,
		droppedEvents:   droppedEvents,
		stageDuration:   stageDuration,
		workflowAgents:  workflowAgents,
	}
}

// IncActiveTasks marks a task as running.
func (m *Metrics) IncActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActiveTasks marks a running task as finished.
func (m *Metrics) DecActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}

// ObserveTaskDuration records a task's run time with its terminal status.
func (m *Metrics) ObserveTaskDuration(kind, status string, d time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

// IncTaskRetry counts one retry attempt for the given task kind.
func (m *Metrics) IncTaskRetry(kind string) {
	if m == nil || m.taskRetries == nil {
		return
	}
	m.taskRetries.WithLabelValues(kind).Inc()
}

// IncHeartbeatMiss counts one failed liveness probe for the agent.
func (m *Metrics) IncHeartbeatMiss(agentID string) {
	if m == nil || m.heartbeatMisses == nil {
		return
	}
	m.heartbeatMisses.WithLabelValues(agentID).Inc()
}

// IncDroppedEvent counts one event dropped for a slow subscriber.
func (m *Metrics) IncDroppedEvent() {
	if m == nil || m.droppedEvents == nil {
		return
	}
	m.droppedEvents.Inc()
}

// ObserveStageDuration records the time one agent spent in a workflow stage.
func (m *Metrics) ObserveStageDuration(stage string, d time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncWorkflowAgent counts one agent reaching a terminal workflow status.
func (m *Metrics) IncWorkflowAgent(status string) {
	if m == nil || m.workflowAgents == nil {
		return
	}
	m.workflowAgents.WithLabelValues(status).Inc()
}
