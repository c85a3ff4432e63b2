package filter

import (
	"context"
	"log/slog"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/metric"
)

// Passthrough returns every batch unchanged.
type Passthrough struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	sensor  string
}

// NewPassthrough creates a pass-through filter.
func NewPassthrough(opts ...Option) *Passthrough {
	o := applyOptions(opts...)
	return &Passthrough{logger: o.logger, metrics: o.metrics, sensor: o.sensor}
}

// Open implements Filter.
func (p *Passthrough) Open(context.Context) error { return nil }

// Close implements Filter.
func (p *Passthrough) Close() error { return nil }

// Filter implements Filter.
func (p *Passthrough) Filter(_ context.Context, batch []*envelope.Envelope) ([]*envelope.Envelope, error) {
	n := countData(batch)
	p.metrics.RecordFilter(p.sensor, n, n)
	return batch, nil
}
