package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Crawl stage names used as the "stage" label.
const (
	StageFetch  = "fetch"
	StageParse  = "parse"
	StageCommit = "commit"
	StageCheck  = "check"
	StageFilter = "filter"
	StageStore  = "store"
	StageCrawl  = "crawl"
)

// Metrics contains the crawl-level metrics shared by every sensor in the process.
type Metrics struct {
	Cycles         *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	DataIn         *prometheus.CounterVec
	DataOut        *prometheus.CounterVec
	StoreFailures  *prometheus.CounterVec
	FallbackWrites *prometheus.CounterVec
	LookupRetries  *prometheus.CounterVec
	StoreRequests  *prometheus.HistogramVec
}

// NewMetrics creates the crawl metrics
func NewMetrics() *Metrics {
	return &Metrics{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uds",
				Subsystem: "crawl",
				Name:      "cycles_total",
				Help:      "Crawl cycles by outcome (stored, empty_fetch, empty_parse, check_failed, filtered_out, error)",
			},
			[]string{"sensor", "outcome"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "uds",
				Subsystem: "crawl",
				Name:      "stage_duration_seconds",
				Help:      "Duration of each crawl stage in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sensor", "stage"},
		),

		DataIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uds",
				Subsystem: "filter",
				Name:      "data_in_total",
				Help:      "Datums entering the dedup filter",
			},
			[]string{"sensor"},
		),

		DataOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uds",
				Subsystem: "filter",
				Name:      "data_out_total",
				Help:      "Datums surviving the dedup filter",
			},
			[]string{"sensor"},
		),

		StoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uds",
				Subsystem: "store",
				Name:      "failures_total",
				Help:      "Envelopes a sink failed to store",
			},
			[]string{"sensor", "sink"},
		),

		FallbackWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uds",
				Subsystem: "store",
				Name:      "fallback_writes_total",
				Help:      "Envelopes diverted to local fallback storage",
			},
			[]string{"sensor"},
		),

		LookupRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uds",
				Subsystem: "filter",
				Name:      "lookup_retries_total",
				Help:      "Failed last-value lookups that were retried",
			},
			[]string{"sensor"},
		),

		StoreRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "uds",
				Subsystem: "evwh",
				Name:      "request_duration_seconds",
				Help:      "Event store round-trip duration by operation and status",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"operation", "status"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Cycles,
		m.StageDuration,
		m.DataIn,
		m.DataOut,
		m.StoreFailures,
		m.FallbackWrites,
		m.LookupRetries,
		m.StoreRequests,
	}
}

// RecordStage observes one stage duration. Safe on a nil receiver.
func (m *Metrics) RecordStage(sensor, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(sensor, stage).Observe(d.Seconds())
}

// RecordCycle counts a finished crawl cycle. Safe on a nil receiver.
func (m *Metrics) RecordCycle(sensor, outcome string) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(sensor, outcome).Inc()
}

// RecordFilter counts datums before and after filtering. Safe on a nil receiver.
func (m *Metrics) RecordFilter(sensor string, in, out int) {
	if m == nil {
		return
	}
	m.DataIn.WithLabelValues(sensor).Add(float64(in))
	m.DataOut.WithLabelValues(sensor).Add(float64(out))
}

// RecordStoreRequest observes one event store round trip. Safe on a nil receiver.
func (m *Metrics) RecordStoreRequest(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreRequests.WithLabelValues(operation, status).Observe(d.Seconds())
}
