package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("vectorstore", "test_counter", counter)
	assert.NoError(t, err)

	// Same key again must fail
	err = registry.RegisterCounter("vectorstore", "test_counter", counter)
	assert.Error(t, err)
}

func TestRegisterGaugeAndHistogram(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})
	assert.NoError(t, registry.RegisterGauge("pipeline", "test_gauge", gauge))

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_histogram_seconds",
		Help: "A test histogram",
	})
	assert.NoError(t, registry.RegisterHistogram("pipeline", "test_histogram", histogram))
}

func TestRegisterVecTypes(t *testing.T) {
	registry := NewMetricsRegistry()

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_ops_total",
		Help: "Ops by kind",
	}, []string{"kind"})
	assert.NoError(t, registry.RegisterCounterVec("vectorstore", "ops", counterVec))

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_sizes",
		Help: "Sizes by bucket",
	}, []string{"bucket"})
	assert.NoError(t, registry.RegisterGaugeVec("vectorstore", "sizes", gaugeVec))

	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_latency_seconds",
		Help: "Latency by op",
	}, []string{"op"})
	assert.NoError(t, registry.RegisterHistogramVec("vectorstore", "latency", histogramVec))
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "removable_total",
		Help: "Removable counter",
	})
	require.NoError(t, registry.RegisterCounter("pipeline", "removable", counter))

	assert.True(t, registry.Unregister("pipeline", "removable"))
	assert.False(t, registry.Unregister("pipeline", "removable"))

	// Re-registration after unregister succeeds
	assert.NoError(t, registry.RegisterCounter("pipeline", "removable", counter))
}

func TestPrometheusConflictAcrossKeys(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflict_total",
		Help: "Conflicting counter",
	})
	b := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflict_total",
		Help: "Conflicting counter",
	})

	require.NoError(t, registry.RegisterCounter("first", "conflict", a))

	// Different registry key, same prometheus identity
	err := registry.RegisterCounter("second", "conflict", b)
	assert.Error(t, err)
}

func TestNewServerDefaults(t *testing.T) {
	registry := NewMetricsRegistry()
	server := NewServer(0, "", registry)

	assert.Equal(t, "http://localhost:9090/metrics", server.Address())
}
