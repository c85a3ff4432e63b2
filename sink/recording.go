package sink

import (
	"context"
	"log/slog"

	"github.com/nict-isp/uds-sdk/envelope"
)

// Recording forwards to an inner sink and, when the inner sink reports no
// error, hands the batch to a Recorder. It keeps a local last-value store
// in step with data the sink accepted.
type Recording struct {
	inner    Sink
	recorder Recorder
	logger   *slog.Logger
}

// NewRecording wraps inner.
func NewRecording(inner Sink, recorder Recorder, logger *slog.Logger) *Recording {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recording{inner: inner, recorder: recorder, logger: logger}
}

// Open implements Sink.
func (r *Recording) Open(ctx context.Context) error { return r.inner.Open(ctx) }

// Close implements Sink.
func (r *Recording) Close() error { return r.inner.Close() }

// Store implements Sink.
func (r *Recording) Store(ctx context.Context, batch []*envelope.Envelope) error {
	if err := r.inner.Store(ctx, batch); err != nil {
		return err
	}
	if err := r.recorder.Record(ctx, batch); err != nil {
		r.logger.Warn("last values not recorded", "error", err)
	}
	return nil
}
