package sink

import (
	"context"
	"log/slog"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/metric"
)

// Inserter is the event store surface the sink needs. *evwh.DAO satisfies it.
type Inserter interface {
	Insert(ctx context.Context, e *envelope.Envelope) error
	Reconnect(ctx context.Context) error
	EnsureTable(ctx context.Context) error
	Close() error
}

// EventStore inserts envelopes into the event warehouse. An envelope that
// cannot be inserted is written to the fallback file sink and the
// connection is rebuilt for the next insert.
type EventStore struct {
	store    Inserter
	fallback *File
	logger   *slog.Logger
	metrics  *metric.Metrics
	sensor   string
}

// NewEventStore creates the sink. metrics may be nil.
func NewEventStore(store Inserter, fallback *File, sensor string, logger *slog.Logger, metrics *metric.Metrics) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStore{
		store:    store,
		fallback: fallback,
		logger:   logger,
		metrics:  metrics,
		sensor:   sensor,
	}
}

// Open connects and creates the table when missing.
func (s *EventStore) Open(ctx context.Context) error {
	if err := s.fallback.Open(ctx); err != nil {
		return err
	}
	if err := s.store.Reconnect(ctx); err != nil {
		return errors.Wrap(err, "EventStore", "Open", "connect")
	}
	if err := s.store.EnsureTable(ctx); err != nil {
		return errors.Wrap(err, "EventStore", "Open", "table check")
	}
	return nil
}

// Close implements Sink.
func (s *EventStore) Close() error {
	return s.store.Close()
}

// Store implements Sink. Only fallback write failures are returned.
func (s *EventStore) Store(ctx context.Context, batch []*envelope.Envelope) error {
	failed := 0
	var errs []error
	for _, e := range batch {
		north, _ := e.North()
		south, _ := e.South()
		minTime, _ := e.MinTime()
		s.logger.Info("storing to event warehouse",
			"data_id", e.DataID(), "north", north, "south", south, "min_time", minTime)

		err := s.store.Insert(ctx, e)
		if err == nil {
			continue
		}

		failed++
		s.logger.Error("insert failed, writing fallback file", "data_id", e.DataID(), "error", err)
		if s.metrics != nil {
			s.metrics.StoreFailures.WithLabelValues(s.sensor, TypeEvWH).Inc()
		}

		if ferr := s.fallback.Store(ctx, []*envelope.Envelope{e}); ferr != nil {
			s.logger.Error("fallback write failed", "data_id", e.DataID(), "error", ferr)
			errs = append(errs, ferr)
		} else if s.metrics != nil {
			s.metrics.FallbackWrites.WithLabelValues(s.sensor).Inc()
		}

		if rerr := s.store.Reconnect(ctx); rerr != nil {
			s.logger.Error("reconnect failed", "error", rerr)
		}
	}

	if failed > 0 {
		s.logger.Warn("event warehouse store incomplete", "sent", len(batch), "failed", failed)
	}
	return errors.Join(errs...)
}
