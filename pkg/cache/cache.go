// Package cache provides a generic, thread-safe key/value cache with always-on
// statistics and optional Prometheus metrics.
//
// The time-ordered filter keeps its process-lifetime "last seen time" table in
// a simple cache: entries never expire.
package cache

import (
	"github.com/nict-isp/uds-sdk/errors"
)

// Cache represents a generic cache interface parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created, false if updated.
	Set(key string, value V) (bool, error)

	Size() int

	// Stats returns cache statistics (always collected).
	Stats() *Statistics

	Close() error
}

// NewSimple creates a cache with no eviction policy.
// Returns an error if metrics registration fails when requested.
func NewSimple[V any](options ...Option[V]) (Cache[V], error) {
	return newSimpleCache(applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
