package buffer

import "sync/atomic"

// Statistics counts buffer activity. It is kept whether or not Prometheus
// metrics are enabled.
type Statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	maxSize atomic.Int64
}

func (s *Statistics) write(size int) {
	s.writes.Add(1)
	for {
		cur := s.maxSize.Load()
		if int64(size) <= cur || s.maxSize.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

func (s *Statistics) read() { s.reads.Add(1) }
func (s *Statistics) drop() { s.drops.Add(1) }

// Writes returns the number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items discarded by the overflow policy.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }
