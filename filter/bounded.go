package filter

import (
	"context"
	"log/slog"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/pkg/buffer"
)

// DefaultBufferSize is the number of recent primary key tuples remembered
// by the bounded-buffer filter.
const DefaultBufferSize = 1000

// BoundedBuffer drops any datum whose full primary key tuple was admitted
// within the last capacity admissions. Arrival order does not matter.
type BoundedBuffer struct {
	window  buffer.Buffer[string]
	seen    map[string]struct{}
	logger  *slog.Logger
	metrics *metric.Metrics
	sensor  string
}

// NewBoundedBuffer creates a bounded-buffer filter.
func NewBoundedBuffer(opts ...Option) (*BoundedBuffer, error) {
	o := applyOptions(opts...)
	f := &BoundedBuffer{
		seen:    make(map[string]struct{}, o.capacity),
		logger:  o.logger,
		metrics: o.metrics,
		sensor:  o.sensor,
	}

	bufOpts := []buffer.Option[string]{
		buffer.WithOverflowPolicy[string](buffer.DropOldest),
		buffer.WithDropCallback[string](func(key string) { delete(f.seen, key) }),
	}
	if o.registry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[string](o.registry, "limited_buffer_window"))
	}
	window, err := buffer.NewCircularBuffer[string](o.capacity, bufOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "BoundedBuffer", "NewBoundedBuffer", "window creation")
	}
	f.window = window
	return f, nil
}

// Open implements Filter.
func (f *BoundedBuffer) Open(context.Context) error { return nil }

// Close implements Filter.
func (f *BoundedBuffer) Close() error { return f.window.Close() }

// Filter implements Filter.
func (f *BoundedBuffer) Filter(_ context.Context, batch []*envelope.Envelope) ([]*envelope.Envelope, error) {
	out := make([]*envelope.Envelope, 0, len(batch))
	for _, e := range batch {
		kept := make([]envelope.Fields, 0, e.Size())
		for _, d := range e.Data.Values {
			key := envelope.TupleKey(e.PrimaryKeyValues(d))
			if f.admit(key) {
				kept = append(kept, d)
				continue
			}
			f.logger.Debug("datum dropped: duplicate key", "key", key, "data_id", e.DataID())
		}
		if len(kept) > 0 {
			out = append(out, e.WithValues(kept))
		}
	}

	before, after := countData(batch), countData(out)
	f.metrics.RecordFilter(f.sensor, before, after)
	f.logger.Info("filter applied",
		"filter", TypeLimitedBuffer,
		"before_data_count", before,
		"after_data_count", after,
		"buffered_data_count", f.window.Size())
	return out, nil
}

// admit reports whether key is new and, if so, remembers it. Remembering a
// key past capacity forgets the oldest one through the drop callback.
func (f *BoundedBuffer) admit(key string) bool {
	if _, dup := f.seen[key]; dup {
		return false
	}
	f.seen[key] = struct{}{}
	if err := f.window.Write(key); err != nil {
		f.logger.Warn("key not buffered", "key", key, "error", err)
	}
	return true
}
