package vectorstore

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semrecall/metric"
)

const metricsComponent = "vectorstore"

// storeMetrics tracks vector store operation outcomes. All fields are
// nil-safe through the wrapper methods so the store works without a
// registry.
type storeMetrics struct {
	ops            *prometheus.CounterVec
	searchDuration prometheus.Histogram
	partialResults *prometheus.CounterVec
	indexSize      prometheus.Gauge
}

// newStoreMetrics registers vector store metrics with the registry.
// A nil registrar disables metrics.
func newStoreMetrics(registrar metric.MetricsRegistrar) (*storeMetrics, error) {
	if registrar == nil {
		return &storeMetrics{}, nil
	}

	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semrecall",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Vector store operations by type and status",
		}, []string{"operation", "status"}),

		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semrecall",
			Subsystem: "vectorstore",
			Name:      "search_duration_seconds",
			Help:      "Similarity search duration including query encoding",
			Buckets:   prometheus.DefBuckets,
		}),

		partialResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semrecall",
			Subsystem: "vectorstore",
			Name:      "search_partial_results_total",
			Help:      "Searches that returned fewer matches than requested after owner filtering",
		}, []string{"multiplier"}),

		indexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semrecall",
			Subsystem: "vectorstore",
			Name:      "index_entries",
			Help:      "Documents currently held in the in-memory index",
		}),
	}

	if err := registrar.RegisterCounterVec(metricsComponent, "operations", m.ops); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogram(metricsComponent, "search_duration", m.searchDuration); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounterVec(metricsComponent, "search_partial_results", m.partialResults); err != nil {
		return nil, err
	}
	if err := registrar.RegisterGauge(metricsComponent, "index_entries", m.indexSize); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *storeMetrics) recordOp(operation, status string) {
	if m == nil || m.ops == nil {
		return
	}
	m.ops.WithLabelValues(operation, status).Inc()
}

func (m *storeMetrics) observeSearch(seconds float64) {
	if m == nil || m.searchDuration == nil {
		return
	}
	m.searchDuration.Observe(seconds)
}

func (m *storeMetrics) recordPartial(multiplier int) {
	if m == nil || m.partialResults == nil {
		return
	}
	m.partialResults.WithLabelValues(strconv.Itoa(multiplier)).Inc()
}

func (m *storeMetrics) setIndexSize(n int) {
	if m == nil || m.indexSize == nil {
		return
	}
	m.indexSize.Set(float64(n))
}
