package cache

import "sync/atomic"

// Statistics counts lookups against a cache.
type Statistics struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (s *Statistics) hit()  { s.hits.Add(1) }
func (s *Statistics) miss() { s.misses.Add(1) }

// Hits returns the number of successful lookups.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of failed lookups.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// HitRatio returns hits over all lookups, or 0 before the first lookup.
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
