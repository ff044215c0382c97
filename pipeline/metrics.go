package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semrecall/metric"
)

const metricsComponent = "pipeline"

// pipelineMetrics is nil-safe in the same way the store's metrics are: a
// zero value records nothing, so the pipeline works without a registrar.
type pipelineMetrics struct {
	queries       *prometheus.CounterVec
	queryDuration prometheus.Histogram
	fragments     prometheus.Histogram
}

func newPipelineMetrics(registrar metric.MetricsRegistrar) (*pipelineMetrics, error) {
	if registrar == nil {
		return &pipelineMetrics{}, nil
	}

	m := &pipelineMetrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semrecall",
			Subsystem: "pipeline",
			Name:      "queries_total",
			Help:      "Questions processed, by final status",
		}, []string{"status"}),

		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semrecall",
			Subsystem: "pipeline",
			Name:      "query_duration_seconds",
			Help:      "End to end question latency including generation",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		fragments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semrecall",
			Subsystem: "pipeline",
			Name:      "fragments_per_query",
			Help:      "Resolved context fragments per question",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 10},
		}),
	}

	if err := registrar.RegisterCounterVec(metricsComponent, "queries", m.queries); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogram(metricsComponent, "query_duration", m.queryDuration); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogram(metricsComponent, "fragments_per_query", m.fragments); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *pipelineMetrics) recordQuery(status string) {
	if m == nil || m.queries == nil {
		return
	}
	m.queries.WithLabelValues(status).Inc()
}

func (m *pipelineMetrics) observeQuery(seconds float64) {
	if m == nil || m.queryDuration == nil {
		return
	}
	m.queryDuration.Observe(seconds)
}

func (m *pipelineMetrics) observeFragments(n int) {
	if m == nil || m.fragments == nil {
		return
	}
	m.fragments.Observe(float64(n))
}
