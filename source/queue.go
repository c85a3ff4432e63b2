package source

import (
	"context"
	"fmt"

	"github.com/nict-isp/uds-sdk/crawler"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/pkg/buffer"
)

// DefaultQueueSize is the capacity of push source queues.
const DefaultQueueSize = 1024

// QueueConfig configures a Queue.
type QueueConfig struct {
	Capacity int
	// DropOldest discards the oldest queued item when the queue is full.
	// By default producers wait for the crawler.
	DropOldest bool
	Registry *metric.MetricsRegistry
	// MetricsPrefix names the exported buffer metrics.
	MetricsPrefix string
}

// Queue hands items from listener goroutines to the crawl loop. It is a
// crawler.Fetcher: Fetch blocks until an item arrives and requests an
// abort once the queue is closed and drained.
type Queue[T any] struct {
	buf buffer.Buffer[T]
}

// NewQueue creates a queue.
func NewQueue[T any](cfg QueueConfig) (*Queue[T], error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultQueueSize
	}
	policy := buffer.Block
	if cfg.DropOldest {
		policy = buffer.DropOldest
	}
	opts := []buffer.Option[T]{buffer.WithOverflowPolicy[T](policy)}
	if cfg.Registry != nil && cfg.MetricsPrefix != "" {
		opts = append(opts, buffer.WithMetrics[T](cfg.Registry, cfg.MetricsPrefix))
	}
	buf, err := buffer.NewCircularBuffer[T](cfg.Capacity, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Queue", "NewQueue", "buffer creation")
	}
	return &Queue[T]{buf: buf}, nil
}

// Put enqueues v, blocking while the queue is full under the Block policy.
func (q *Queue[T]) Put(v T) error { return q.buf.Write(v) }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return q.buf.Size() }

// Close stops accepting items. Queued items can still be fetched.
func (q *Queue[T]) Close() error { return q.buf.Close() }

// Fetch implements crawler.Fetcher.
func (q *Queue[T]) Fetch(ctx context.Context) (T, bool, error) {
	v, err := q.buf.ReadContext(ctx)
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, errors.ErrShuttingDown):
		return v, false, fmt.Errorf("queue closed: %w", crawler.ErrAbort)
	default:
		return v, false, err
	}
}
