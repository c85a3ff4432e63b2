package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nict-isp/uds-sdk/config"
	"github.com/nict-isp/uds-sdk/crawler"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/evwh"
	"github.com/nict-isp/uds-sdk/filter"
	"github.com/nict-isp/uds-sdk/lastvalue"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/parser"
	"github.com/nict-isp/uds-sdk/pkg/tlsutil"
	"github.com/nict-isp/uds-sdk/sink"
	"github.com/nict-isp/uds-sdk/source"
)

// NewDAO returns an unconnected event warehouse DAO for cfg's table.
func NewDAO(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) (*evwh.DAO, error) {
	store := cfg.Store.EvWH
	client := evwh.NewClient(evwh.ClientConfig{Host: store.Host, Port: store.Port}, logger)
	return evwh.NewDAO(client, evwh.DAOConfig{
		Table:         cfg.EvWHTable(),
		Conditional:   store.PrimaryKeysEnabled,
		InsertTimeout: store.InsertTimeout.Duration(),
		SelectTimeout: store.SelectTimeout.Duration(),
	}, logger, metrics)
}

// buildSink returns the sink and the store the time-ordered filter should
// consult. The event warehouse answers lookups itself; other sinks are
// paired with a local Pebble database kept in step by sink.Recording.
func (s *Sensor) buildSink(start time.Time) (sink.Sink, filter.LastValueStore, error) {
	cfg := s.cfg
	name := cfg.Sensor.Name

	var out sink.Sink
	switch strings.ToLower(cfg.StoreType) {
	case sink.TypeConsole:
		out = sink.NewConsole(nil)
	case sink.TypeFile:
		f, err := sink.NewFile(sink.FileConfig{
			Dir:        cfg.Store.File.DirPath,
			Sensor:     name,
			Start:      start,
			DirFileMax: cfg.Store.File.DirFileMax,
		}, s.logger)
		if err != nil {
			return nil, nil, err
		}
		out = f
	case sink.TypeEvWH:
		dao, err := NewDAO(cfg, s.logger, s.metrics)
		if err != nil {
			return nil, nil, err
		}
		fallback, err := sink.NewFile(sink.FileConfig{
			Dir:        cfg.Store.EvWH.ErrorDirPath,
			Sensor:     name,
			Start:      start,
			DirFileMax: cfg.Store.File.DirFileMax,
		}, s.logger.With("component", "evwh_fallback"))
		if err != nil {
			return nil, nil, err
		}
		return sink.NewEventStore(dao, fallback, name, s.logger, s.metrics), dao, nil
	case sink.TypePostgres:
		p, err := sink.NewPostgres(sink.PostgresConfig{
			DSN:   cfg.Store.Postgres.DSN,
			Table: cfg.PostgresTable(),
		}, s.logger)
		if err != nil {
			return nil, nil, err
		}
		out = p
	case sink.TypeNATS:
		tlsConfig, err := tlsutil.Client(cfg.Store.NATS.TLS)
		if err != nil {
			return nil, nil, err
		}
		n, err := sink.NewNATS(sink.NATSConfig{
			URL:     cfg.Store.NATS.URL,
			Subject: cfg.Store.NATS.Subject,
			Sensor:  name,
			Stream:  cfg.Store.NATS.Stream,
			TLS:     tlsConfig,
		}, s.logger)
		if err != nil {
			return nil, nil, err
		}
		out = n
	default:
		return nil, nil, errors.WrapFatal(
			fmt.Errorf("store type %q: %w", cfg.StoreType, errors.ErrInvalidConfig), "Sensor", "New", "sink selection")
	}

	if !strings.EqualFold(cfg.FilterType, filter.TypeTimeOrder) {
		return out, nil, nil
	}
	if cfg.Store.LastValue.Dir == "" {
		return out, filter.NoLastValues{}, nil
	}
	pebble, err := lastvalue.Open(lastvalue.Options{
		Dir:       cfg.Store.LastValue.Dir,
		Namespace: name,
		Sync:      cfg.Store.LastValue.Sync,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	s.closers = append(s.closers, pebble.Close)
	if n, err := pebble.Count(); err == nil {
		s.logger.Info("last-value store opened", "dir", cfg.Store.LastValue.Dir, "keys", n)
	}
	return sink.NewRecording(out, pebble, s.logger), pebble, nil
}

func (s *Sensor) buildFilter(last filter.LastValueStore, registry *metric.MetricsRegistry) (filter.Filter, error) {
	return filter.New(s.cfg.FilterType, last,
		filter.WithLogger(s.logger),
		filter.WithMetrics(s.metrics, s.cfg.Sensor.Name),
		filter.WithRegistry(registry),
		filter.WithCapacity(s.cfg.FilterBufferSize),
	)
}

func (s *Sensor) buildRecorder(start time.Time) (crawler.TimeRecorder, error) {
	if !s.cfg.TimeRecordEnabled {
		return crawler.NopRecorder{}, nil
	}
	return crawler.NewFileRecorder(s.cfg.LogDirPath, s.cfg.Sensor.Name, start)
}

// buildFetcher selects the source. Push sources also set the listener
// lifecycle run around the crawl.
func (s *Sensor) buildFetcher(opts Options) (crawler.Fetcher[source.Payload], error) {
	src := s.cfg.Source
	queue := source.QueueConfig{
		Capacity:      src.QueueSize,
		DropOldest:    src.DropOldest,
		Registry:      opts.Registry,
		MetricsPrefix: "source_queue",
	}

	var fetcher crawler.Fetcher[source.Payload]
	switch src.Type {
	case config.SourceHTTP:
		client := opts.HTTPClient
		if client == nil {
			tlsConfig, err := tlsutil.Client(src.TLS)
			if err != nil {
				return nil, err
			}
			if tlsConfig != nil {
				client = &http.Client{Transport: &http.Transport{
					Proxy:           http.ProxyFromEnvironment,
					TLSClientConfig: tlsConfig,
				}}
			}
		}
		p, err := source.NewHTTPPoller(source.HTTPConfig{
			URL:     src.URL,
			Request: opts.Request,
			Timeout: src.Timeout.Duration(),
			Charset: src.Charset,
		}, client, s.logger)
		if err != nil {
			return nil, err
		}
		fetcher = p
	case config.SourceCSVFiles:
		files, err := source.GlobFiles(src.Files...)
		if err != nil {
			return nil, err
		}
		fetcher = source.NewCSVFileList(files, src.Charset, s.logger)
	case config.SourceCSVDir:
		w, err := source.NewCSVDirWatcher(source.DirWatchConfig{
			Dir:     src.Dir,
			Pattern: src.Pattern,
			Charset: src.Charset,
			Queue:   queue,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.start = w.Start
		s.stop = func(context.Context) error { return w.Stop() }
		fetcher = w
	case config.SourceUDP:
		u, err := source.NewUDPListener(source.UDPConfig{Bind: src.Bind, Port: src.Port, Queue: queue}, s.logger)
		if err != nil {
			return nil, err
		}
		s.start = u.Start
		s.stop = func(context.Context) error { return u.Stop() }
		fetcher = u
	case config.SourceWebSocket:
		addr := src.Addr
		if addr == "" && src.Port > 0 {
			addr = net.JoinHostPort(src.Bind, strconv.Itoa(src.Port))
		}
		tlsConfig, err := tlsutil.Server(src.ServerTLS)
		if err != nil {
			return nil, err
		}
		w, err := source.NewWebSocketListener(source.WebSocketConfig{
			Addr:  addr,
			Path:  src.Path,
			Queue: queue,
			TLS:   tlsConfig,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.start = w.Start
		s.stop = w.Stop
		fetcher = w
	default:
		return nil, errors.WrapFatal(
			fmt.Errorf("source type %q: %w", src.Type, errors.ErrMissingConfig), "Sensor", "New", "source selection")
	}

	if src.Interval > 0 {
		fetcher = source.Paced(fetcher, src.Interval.Duration(), s.logger)
	}
	return fetcher, nil
}

func (s *Sensor) buildParser() (crawler.Parser[source.Payload], error) {
	p := s.cfg.Parser
	switch p.Type {
	case config.ParserCSV, "":
		var comma rune
		if p.Delimiter != "" {
			comma = []rune(p.Delimiter)[0]
		}
		return parser.NewCSV(s.builder, parser.CSVOptions{
			Columns:     p.Columns,
			Comma:       comma,
			SkipRows:    p.SkipRows,
			BatchSize:   p.BatchSize,
			KeepUnknown: p.KeepUnknown,
		}, s.logger), nil
	case config.ParserJSON:
		return parser.NewJSON(s.builder, parser.JSONOptions{
			RecordsPath: p.RecordsPath,
			BatchSize:   p.BatchSize,
			KeepUnknown: p.KeepUnknown,
		}, s.logger), nil
	}
	return nil, errors.WrapFatal(
		fmt.Errorf("parser type %q: %w", p.Type, errors.ErrInvalidConfig), "Sensor", "New", "parser selection")
}
