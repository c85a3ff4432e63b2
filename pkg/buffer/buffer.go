// Package buffer provides generic, thread-safe ring buffers with overflow policies.
//
// The circular buffer backs two uds concerns: the bounded dedup window of the
// limited-buffer filter (DropOldest with a drop callback that forgets the
// evicted key) and the hand-off queue between push listeners and the crawl
// loop (blocking ReadContext).
package buffer

import (
	"context"
)

// Buffer represents a generic buffer interface that all buffer implementations must satisfy.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when full depends on the overflow policy.
	Write(item T) error

	// Read retrieves and removes the oldest item without blocking.
	Read() (T, bool)

	// ReadContext blocks until an item is available, the buffer is closed
	// and drained, or ctx is done.
	ReadContext(ctx context.Context) (T, error)

	Size() int
	Capacity() int

	// Stats returns buffer statistics (always collected).
	Stats() *Statistics

	// Close wakes all blocked callers. Remaining items can still be read.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called when an item is dropped due to overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
