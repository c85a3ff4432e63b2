// Package filter removes duplicate and out-of-order data from committed
// envelope batches before they reach a sink.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/pkg/retry"
)

// Filter type names as they appear in sensor configuration.
const (
	TypeTimeOrder     = "time_order_filter"
	TypeLimitedBuffer = "limited_buffer_filter"
	TypeNone          = "no_filter"
)

// Filter drops data from a batch. Envelopes left without data are removed
// from the result.
type Filter interface {
	Open(ctx context.Context) error
	Close() error
	Filter(ctx context.Context, batch []*envelope.Envelope) ([]*envelope.Envelope, error)
}

// Option configures a filter.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	sensor   string
	retry    retry.Config
	capacity int
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records datum counts and lookup retries under the sensor label.
func WithMetrics(m *metric.Metrics, sensor string) Option {
	return func(o *options) {
		o.metrics = m
		o.sensor = sensor
	}
}

// WithRegistry exports internal cache and buffer statistics.
func WithRegistry(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithRetry overrides the last-value lookup retry schedule. The attempt
// limit is kept as given; pass retry.Unlimited to never give up.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) { o.retry = cfg }
}

// WithCapacity sets the bounded buffer window.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		logger:   slog.Default(),
		retry:    retry.Forever(),
		capacity: DefaultBufferSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// New returns the filter named by filterType. store is only consulted by
// the time-ordered filter.
func New(filterType string, store LastValueStore, opts ...Option) (Filter, error) {
	switch strings.ToLower(filterType) {
	case TypeNone:
		return NewPassthrough(opts...), nil
	case TypeLimitedBuffer:
		return NewBoundedBuffer(opts...)
	case TypeTimeOrder:
		if store == nil {
			return nil, errors.WrapFatal(errors.ErrMissingConfig, "filter", "New", "last value store lookup")
		}
		return NewTimeOrder(store, opts...)
	}
	return nil, errors.WrapFatal(
		fmt.Errorf("unknown filter type %q: %w", filterType, errors.ErrInvalidConfig),
		"filter", "New", "filter type lookup")
}

func countData(batch []*envelope.Envelope) int {
	n := 0
	for _, e := range batch {
		n += e.Size()
	}
	return n
}
