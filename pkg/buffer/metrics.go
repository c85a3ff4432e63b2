package buffer

import (
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/prometheus/client_golang/prometheus"
)

type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter
	size      prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "uds",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		writes:    counter("writes_total", "Total number of buffer write operations"),
		reads:     counter("reads_total", "Total number of buffer read operations"),
		overflows: counter("overflows_total", "Total number of buffer overflow events"),
		drops:     counter("drops_total", "Total number of items dropped due to overflow"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "uds",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items in buffer",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"buffer_writes":    m.writes,
		"buffer_reads":     m.reads,
		"buffer_overflows": m.overflows,
		"buffer_drops":     m.drops,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, _ int) {
	m.writes.Inc()
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordRead(size, _ int) {
	m.reads.Inc()
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordOverflow() { m.overflows.Inc() }

func (m *bufferMetrics) recordDrop() { m.drops.Inc() }
