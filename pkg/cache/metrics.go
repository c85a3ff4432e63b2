package cache

import (
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/prometheus/client_golang/prometheus"
)

type cacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	sets   prometheus.Counter
	size   prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "uds",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:   counter("hits_total", "Total number of cache hits"),
		misses: counter("misses_total", "Total number of cache misses"),
		sets:   counter("sets_total", "Total number of cache set operations"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "uds",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounter(prefix, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_sets", m.sets); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordHit()  { m.hits.Inc() }
func (m *cacheMetrics) recordMiss() { m.misses.Inc() }
func (m *cacheMetrics) recordSet()  { m.sets.Inc() }

func (m *cacheMetrics) updateSize(size int) {
	m.size.Set(float64(size))
}
