// Package metrics exposes pipeline health as Prometheus gauges and
// counters: queue depth per stage, in-flight merges, and terminal task
// outcomes, wired off the same event bus the pipeline Coordinator drives.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kugutsu/pipeline/internal/events"
)

// Collector holds every metric the pipeline publishes and the registry they
// live in. One Collector is created per process.
type Collector struct {
	registry *prometheus.Registry

	queueDepth      *prometheus.GaugeVec
	mergesInFlight  prometheus.Gauge
	tasksByState    *prometheus.GaugeVec
	tasksCompleted  prometheus.Counter
	tasksFailed     *prometheus.CounterVec
	mergeConflicts  prometheus.Counter
	mergesCompleted *prometheus.CounterVec
}

// New creates a Collector with all metrics registered against a fresh
// registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kugutsu",
			Name:      "queue_depth",
			Help:      "Number of tasks currently pending or in flight in a stage queue.",
		}, []string{"stage"}),
		mergesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kugutsu",
			Name:      "merges_in_flight",
			Help:      "Number of merges currently being processed by the serialized merge coordinator (0 or 1).",
		}),
		tasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kugutsu",
			Name:      "tasks_by_state",
			Help:      "Number of tasks currently observed in each lifecycle state.",
		}, []string{"state"}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kugutsu",
			Name:      "tasks_completed_total",
			Help:      "Total number of original-request tasks merged to completion.",
		}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kugutsu",
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that reached the failed state, by phase.",
		}, []string{"phase", "cascaded"}),
		mergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kugutsu",
			Name:      "merge_conflicts_total",
			Help:      "Total number of merges that required a conflict-resolution round.",
		}),
		mergesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kugutsu",
			Name:      "merges_completed_total",
			Help:      "Total number of merge attempts that finished, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.queueDepth,
		c.mergesInFlight,
		c.tasksByState,
		c.tasksCompleted,
		c.tasksFailed,
		c.mergeConflicts,
		c.mergesCompleted,
	)
	return c
}

// Handler returns the HTTP handler to mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the current pending+in-flight count for a stage
// ("develop", "review", "merge"). Callers poll queue.Stats periodically;
// the bus does not carry a depth-changed event.
func (c *Collector) SetQueueDepth(stage string, depth int) {
	c.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

// SetMergesInFlight records whether the single-writer merge slot is busy.
func (c *Collector) SetMergesInFlight(n int) {
	c.mergesInFlight.Set(float64(n))
}

// SetTaskState overwrites the gauge for one lifecycle state. Called with a
// fresh snapshot from depgraph.Graph.StatusSummary on every status tick.
func (c *Collector) SetTaskState(state string, count int) {
	c.tasksByState.WithLabelValues(state).Set(float64(count))
}

// Subscribe wires the counters to the event bus, so terminal outcomes are
// counted exactly once as they occur.
func (c *Collector) Subscribe(bus *events.Bus) *events.Registration {
	return bus.SubscribeAll(func(ev events.Event) {
		switch e := ev.(type) {
		case events.TaskCompleted:
			c.tasksCompleted.Inc()
		case events.TaskFailed:
			cascaded := "false"
			if e.Cascaded {
				cascaded = "true"
			}
			c.tasksFailed.WithLabelValues(string(e.Phase), cascaded).Inc()
		case events.MergeConflictDetected:
			c.mergeConflicts.Inc()
		case events.MergeCompleted:
			outcome := "success"
			if !e.Success {
				outcome = "failure"
			}
			c.mergesCompleted.WithLabelValues(outcome).Inc()
		}
	})
}
