package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's Prometheus instrumentation under the
// driftwatch namespace. A nil *Metrics is a no-op, so wiring stays
// optional in tests.
type Metrics struct {
	stageLatency    *prometheus.HistogramVec
	cycles          prometheus.Counter
	retries         *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	backpressure    prometheus.Counter
	checkpoints     prometheus.Counter
	eventsCollected *prometheus.CounterVec
	patternsFound   *prometheus.CounterVec
}

// NewMetrics registers the metric set with the given registry. A nil
// registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Name:      "stage_latency_ms",
			Help:      "Stage execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"stage", "status"}),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "cycles_total",
			Help:      "Completed monitor-to-evolve cycles",
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "retries_total",
			Help:      "Retry attempts by stage and reason",
		}, []string{"stage", "reason"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Name:      "post_queue_depth",
			Help:      "Posts waiting in the outbound queue",
		}),
		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "backpressure_drops_total",
			Help:      "Artifacts dropped because the post queue was full",
		}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "checkpoints_total",
			Help:      "Checkpoints persisted",
		}),
		eventsCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "events_collected_total",
			Help:      "Events appended to state buffers by source",
		}, []string{"source"}),
		patternsFound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "patterns_total",
			Help:      "Patterns detected by type",
		}, []string{"type"}),
	}
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration, status string) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage, status).Observe(float64(elapsed.Milliseconds()))
}

// IncCycles counts a completed cycle.
func (m *Metrics) IncCycles() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// IncRetries counts a retry attempt.
func (m *Metrics) IncRetries(stage, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage, reason).Inc()
}

// SetQueueDepth reports the outbound queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// IncBackpressure counts a dropped artifact.
func (m *Metrics) IncBackpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

// IncCheckpoints counts a persisted checkpoint.
func (m *Metrics) IncCheckpoints() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}

// AddEvents counts collected events for one source.
func (m *Metrics) AddEvents(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsCollected.WithLabelValues(source).Add(float64(n))
}

// AddPatterns counts detected patterns by type.
func (m *Metrics) AddPatterns(patternType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.patternsFound.WithLabelValues(patternType).Add(float64(n))
}
