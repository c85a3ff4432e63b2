package metric

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})
	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
	counter.Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter" {
			found = true
		}
	}
	assert.True(t, found, "counter should be gathered")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup", gauge))

	err := registry.RegisterGauge("svc", "dup", gauge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "tmp_hist", Help: "tmp"})
	require.NoError(t, registry.RegisterHistogram("svc", "tmp", h))

	assert.True(t, registry.Unregister("svc", "tmp"))
	assert.False(t, registry.Unregister("svc", "tmp"))
	require.NoError(t, registry.RegisterHistogram("svc", "tmp", h))
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordCycle("rain", "stored")
	m.RecordCycle("rain", "stored")
	m.RecordFilter("rain", 10, 7)
	m.RecordStage("rain", StageFetch, 20*time.Millisecond)
	m.RecordStoreRequest("insert", errors.New("timeout"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles.WithLabelValues("rain", "stored")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.DataIn.WithLabelValues("rain")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DataOut.WithLabelValues("rain")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StoreRequests))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCycle("rain", "stored")
		m.RecordStage("rain", StageStore, time.Second)
		m.RecordFilter("rain", 1, 1)
		m.RecordStoreRequest("select", nil, time.Second)
	})
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordCycle("rain", "stored")

	srv := NewServer(0, "", registry)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "uds_crawl_cycles_total"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())
}
