// Package metric provides the Prometheus registry, the crawl metrics and the
// HTTP endpoint exposing them.
//
// NewMetricsRegistry registers the crawl metrics (cycles by outcome, stage
// durations, filter in/out counts, store failures, fallback writes, lookup
// retries, event store round trips) plus Go runtime collectors. Components
// with their own collectors, such as the ring buffer, register them under a
// service name through MetricsRegistrar.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() { _ = server.Start() }()
//	defer server.Stop()
//
// All Record* helpers on *Metrics accept a nil receiver so metrics can be
// switched off by passing nil.
package metric
