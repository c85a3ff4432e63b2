// Package lastvalue persists the latest sensing time per primary key
// combination in a local Pebble database, so the time-ordered filter can
// resume across restarts without a queryable sink.
package lastvalue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
)

// StoredLayout is the on-disk time format. Times are stored in UTC.
const StoredLayout = time.RFC3339Nano

// Options configures a PebbleStore.
type Options struct {
	// Dir is the database directory.
	Dir string
	// Namespace separates sensors sharing one directory.
	Namespace string
	// Sync forces a WAL fsync on every recorded batch.
	Sync   bool
	Logger *slog.Logger
}

// PebbleStore is a filter.LastValueStore backed by Pebble.
type PebbleStore struct {
	opts   Options
	logger *slog.Logger

	mu sync.RWMutex
	db *pebble.DB
}

// Open opens or creates the database in opts.Dir.
func Open(opts Options) (*PebbleStore, error) {
	if opts.Dir == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "PebbleStore", "Open", "directory check")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &PebbleStore{opts: opts, logger: logger.With("component", "lastvalue", "namespace", opts.Namespace)}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) open() error {
	db, err := pebble.Open(s.opts.Dir, &pebble.Options{})
	if err != nil {
		return errors.WrapTransient(err, "PebbleStore", "Open", "pebble open")
	}
	s.db = db
	return nil
}

func (s *PebbleStore) key(kvs []envelope.KeyValue) []byte {
	return []byte(s.opts.Namespace + "\x00" + envelope.TupleKey(kvs))
}

// SelectLast implements filter.LastValueStore.
func (s *PebbleStore) SelectLast(_ context.Context, key []envelope.KeyValue) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", false, errors.WrapTransient(errors.ErrNotOpen, "PebbleStore", "SelectLast", "open check")
	}

	val, closer, err := s.db.Get(s.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapTransient(err, "PebbleStore", "SelectLast", "get")
	}
	defer closer.Close()
	return string(val), true, nil
}

// Reconnect closes and reopens the database.
func (s *PebbleStore) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close before reopen failed", "error", err)
		}
		s.db = nil
	}
	return s.open()
}

// Record advances the stored time of every key in batch to its newest
// datum. Stored times never move backwards.
func (s *PebbleStore) Record(_ context.Context, batch []*envelope.Envelope) error {
	latest := make(map[string]time.Time)
	for _, e := range batch {
		for _, d := range e.Data.Values {
			at, err := e.SensingTime(d)
			if err != nil {
				continue
			}
			k := string(s.key(nonTime(e.PrimaryKeyValues(d))))
			if cur, ok := latest[k]; !ok || at.After(cur) {
				latest[k] = at
			}
		}
	}
	if len(latest) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.WrapTransient(errors.ErrNotOpen, "PebbleStore", "Record", "open check")
	}

	b := s.db.NewBatch()
	defer b.Close()
	for k, at := range latest {
		if prev, closer, err := s.db.Get([]byte(k)); err == nil {
			t, perr := time.Parse(StoredLayout, string(prev))
			_ = closer.Close()
			if perr == nil && !t.Before(at) {
				continue
			}
		}
		if err := b.Set([]byte(k), []byte(at.UTC().Format(StoredLayout)), nil); err != nil {
			return errors.WrapTransient(err, "PebbleStore", "Record", "batch set")
		}
	}

	mode := pebble.NoSync
	if s.opts.Sync {
		mode = pebble.Sync
	}
	if err := b.Commit(mode); err != nil {
		return errors.WrapTransient(err, "PebbleStore", "Record", "batch commit")
	}
	return nil
}

// Count returns the number of keys stored under the namespace.
func (s *PebbleStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, errors.WrapTransient(errors.ErrNotOpen, "PebbleStore", "Count", "open check")
	}
	prefix := []byte(s.opts.Namespace + "\x00")
	upper := append(append([]byte(nil), prefix[:len(prefix)-1]...), 0x01)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return 0, errors.WrapTransient(err, "PebbleStore", "Count", "iterator")
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nonTime(kvs []envelope.KeyValue) []envelope.KeyValue {
	out := kvs[:0:0]
	for _, kv := range kvs {
		if kv.Name != "time" {
			out = append(out, kv)
		}
	}
	return out
}
