package filter

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/pkg/cache"
	"github.com/nict-isp/uds-sdk/pkg/retry"
	"github.com/nict-isp/uds-sdk/pkg/timestamp"
)

// lastSeen is the cached answer for one key. A zero time with known set
// records "no prior record".
type lastSeen struct {
	time  time.Time
	known bool
}

// TimeOrder keeps, per non-time primary key combination, only data newer
// than anything seen before. The first time a key is met its last recorded
// time is looked up in the LastValueStore; afterwards the in-process cache
// is authoritative.
type TimeOrder struct {
	store   LastValueStore
	last    cache.Cache[lastSeen]
	retry   retry.Config
	logger  *slog.Logger
	metrics *metric.Metrics
	sensor  string
}

type timedDatum struct {
	at    time.Time
	datum envelope.Fields
}

// NewTimeOrder creates a time-ordered filter backed by store.
func NewTimeOrder(store LastValueStore, opts ...Option) (*TimeOrder, error) {
	o := applyOptions(opts...)

	var cacheOpts []cache.Option[lastSeen]
	if o.registry != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[lastSeen](o.registry, "time_order_last"))
	}
	last, err := cache.NewSimple[lastSeen](cacheOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "TimeOrder", "NewTimeOrder", "cache creation")
	}

	return &TimeOrder{
		store:   store,
		last:    last,
		retry:   o.retry,
		logger:  o.logger,
		metrics: o.metrics,
		sensor:  o.sensor,
	}, nil
}

// Open implements Filter.
func (f *TimeOrder) Open(context.Context) error { return nil }

// Close implements Filter.
func (f *TimeOrder) Close() error {
	stats := f.last.Stats()
	f.logger.Debug("time-order filter closed",
		"keys", f.last.Size(), "hits", stats.Hits(), "misses", stats.Misses())
	return f.last.Close()
}

// Filter implements Filter. It only fails when the lookup is abandoned
// because ctx ended, or when an envelope lacks "time" among its primary keys.
func (f *TimeOrder) Filter(ctx context.Context, batch []*envelope.Envelope) ([]*envelope.Envelope, error) {
	out := make([]*envelope.Envelope, 0, len(batch))
	for _, e := range batch {
		kept, err := f.filterOne(ctx, e)
		if err != nil {
			return nil, err
		}
		if kept.Size() > 0 {
			out = append(out, kept)
		}
	}

	before, after := countData(batch), countData(out)
	f.metrics.RecordFilter(f.sensor, before, after)
	f.logger.Info("filter applied",
		"filter", TypeTimeOrder,
		"before_data_count", before,
		"after_data_count", after,
		"memory_last_data_count", f.last.Size())
	return out, nil
}

func (f *TimeOrder) filterOne(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
	if !slices.Contains(e.PrimaryKeys(), "time") {
		return nil, errors.WrapFatal(
			errors.Invalidf(errors.ErrInvalidConfig, "TimeOrder", "Filter", "primary keys %v lack \"time\"", e.PrimaryKeys()),
			"TimeOrder", "Filter", "primary key check")
	}

	sorted := make([]timedDatum, 0, e.Size())
	for _, d := range e.Data.Values {
		at, err := e.SensingTime(d)
		if err != nil {
			f.logger.Warn("datum dropped: unreadable time", "data_id", e.DataID(), "error", err)
			continue
		}
		sorted = append(sorted, timedDatum{at: at, datum: d})
	}
	slices.SortStableFunc(sorted, func(a, b timedDatum) int { return a.at.Compare(b.at) })

	kept := make([]envelope.Fields, 0, len(sorted))
	for _, td := range sorted {
		key := withoutTime(e.PrimaryKeyValues(td.datum))
		ck := envelope.TupleKey(key)

		seen, ok := f.last.Get(ck)
		if !ok {
			var err error
			seen, err = f.lookup(ctx, key)
			if err != nil {
				return nil, err
			}
			f.logger.Debug("last data found in store", "key", ck, "time", seen.time, "known", seen.known)
		}

		if seen.known && !seen.time.Before(td.at) {
			f.logger.Debug("datum dropped: not newer than last", "key", ck, "time", td.at, "last", seen.time)
			if !ok {
				_, _ = f.last.Set(ck, seen)
			}
			continue
		}

		kept = append(kept, td.datum)
		if _, err := f.last.Set(ck, lastSeen{time: td.at, known: true}); err != nil {
			f.logger.Warn("last time not cached", "key", ck, "error", err)
		}
	}
	return e.WithValues(kept), nil
}

// lookup asks the store for the last time of key, retrying until it gets
// an answer or ctx ends. The store is reconnected between attempts.
func (f *TimeOrder) lookup(ctx context.Context, key []envelope.KeyValue) (lastSeen, error) {
	cfg := f.retry
	cfg.OnRetry = func(attempt int, err error) {
		f.logger.Error("last data lookup failed, retrying", "attempt", attempt, "error", err)
		if f.metrics != nil {
			f.metrics.LookupRetries.WithLabelValues(f.sensor).Inc()
		}
		if rerr := f.store.Reconnect(ctx); rerr != nil {
			f.logger.Error("reconnect failed", "error", rerr)
		}
	}

	seen, err := retry.DoWithResult(ctx, cfg, func() (lastSeen, error) {
		value, found, err := f.store.SelectLast(ctx, key)
		if err != nil {
			return lastSeen{}, err
		}
		if !found {
			return lastSeen{}, nil
		}
		t, err := timestamp.ParseStored(value)
		if err != nil {
			// Unreadable stored times count as no record.
			f.logger.Warn("stored last time unreadable, treating key as new",
				"key", envelope.TupleKey(key), "value", value, "error", err)
			return lastSeen{}, nil
		}
		return lastSeen{time: t, known: true}, nil
	})
	if err != nil {
		return lastSeen{}, errors.WrapTransient(err, "TimeOrder", "lookup", "last data lookup")
	}
	return seen, nil
}

func withoutTime(kvs []envelope.KeyValue) []envelope.KeyValue {
	out := make([]envelope.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		if kv.Name != "time" {
			out = append(out, kv)
		}
	}
	return out
}
