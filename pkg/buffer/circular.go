package buffer

import (
	"context"
	"sync"

	"github.com/nict-isp/uds-sdk/errors"
)

type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	notFull *sync.Cond
	// ready holds a token whenever at least one item may be readable.
	ready  chan struct{}
	closed bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    &Statistics{},
		metrics:  metrics,
		opts:     opts,
		ready:    make(chan struct{}, 1),
	}
	cb.notFull = sync.NewCond(&cb.mu)
	return cb, nil
}

// signalReady is called with mu held.
func (cb *circularBuffer[T]) signalReady() {
	if cb.closed {
		return
	}
	select {
	case cb.ready <- struct{}{}:
	default:
	}
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	var dropped []T
	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped = append(dropped, cb.popLocked())
			cb.recordDrop()

		case DropNewest:
			cb.recordDrop()
			cb.mu.Unlock()
			cb.notifyDropped([]T{item})
			return nil

		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				cb.mu.Unlock()
				return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.write(cb.size)
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.signalReady()
	cb.mu.Unlock()

	cb.notifyDropped(dropped)
	return nil
}

func (cb *circularBuffer[T]) recordDrop() {
	cb.stats.drop()
	if cb.metrics != nil {
		cb.metrics.recordOverflow()
		cb.metrics.recordDrop()
	}
}

func (cb *circularBuffer[T]) notifyDropped(items []T) {
	if cb.opts.dropCallback == nil {
		return
	}
	for _, item := range items {
		cb.opts.dropCallback(item)
	}
}

// popLocked removes the oldest item. Caller holds mu and size > 0.
func (cb *circularBuffer[T]) popLocked() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.readLocked()
}

func (cb *circularBuffer[T]) readLocked() (T, bool) {
	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.popLocked()
	cb.stats.read()
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}
	if cb.size > 0 {
		cb.signalReady()
	}
	cb.notFull.Signal()
	return item, true
}

// ReadContext blocks until an item can be read.
func (cb *circularBuffer[T]) ReadContext(ctx context.Context) (T, error) {
	var zero T
	for {
		cb.mu.Lock()
		if item, ok := cb.readLocked(); ok {
			cb.mu.Unlock()
			return item, nil
		}
		closed := cb.closed
		cb.mu.Unlock()

		if closed {
			return zero, errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "ReadContext", "buffer closed")
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-cb.ready:
		}
	}
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer and wakes blocked readers and writers.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	close(cb.ready)
	cb.notFull.Broadcast()
	return nil
}
