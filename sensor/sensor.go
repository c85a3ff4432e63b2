// Package sensor assembles a runnable crawler from configuration: the
// envelope builder, the source and parser, the dedup filter with its
// last-value store, the sink and the time recorder.
package sensor

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nict-isp/uds-sdk/config"
	"github.com/nict-isp/uds-sdk/crawler"
	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/source"
)

const stopTimeout = 5 * time.Second

// Options carries process-wide collaborators. All fields are optional.
type Options struct {
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
	// Start names per-run output directories and time records.
	Start      time.Time
	HTTPClient *http.Client
	// Request picks the HTTP target on every fetch instead of source.url.
	Request source.RequestFunc

	BeforeCycle crawler.Hook
	AfterCycle  crawler.Hook
}

// Sensor is one configured crawler together with the resources it owns.
type Sensor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.Metrics
	builder *envelope.Builder
	crawler *crawler.Crawler[source.Payload]

	// listener lifecycle of push sources
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error

	closers []func() error
}

// New resolves and validates cfg and wires every component. Nothing is
// opened until Run.
func New(cfg *config.Config, opts Options) (*Sensor, error) {
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = metric.NewMetricsRegistry()
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}

	meta, err := cfg.Metadata()
	if err != nil {
		return nil, err
	}
	builder, err := envelope.NewBuilder(meta)
	if err != nil {
		return nil, err
	}

	s := &Sensor{
		cfg:     cfg,
		logger:  opts.Logger.With("sensor", cfg.Sensor.Name),
		metrics: opts.Registry.CoreMetrics(),
		builder: builder,
	}
	if err := s.assemble(opts); err != nil {
		_ = s.closeOwned()
		return nil, err
	}
	return s, nil
}

func (s *Sensor) assemble(opts Options) error {
	out, last, err := s.buildSink(opts.Start)
	if err != nil {
		return err
	}
	f, err := s.buildFilter(last, opts.Registry)
	if err != nil {
		return err
	}
	fetcher, err := s.buildFetcher(opts)
	if err != nil {
		return err
	}
	parser, err := s.buildParser()
	if err != nil {
		return err
	}
	recorder, err := s.buildRecorder(opts.Start)
	if err != nil {
		return err
	}

	s.crawler, err = crawler.New(crawler.Options[source.Payload]{
		Sensor:      s.cfg.Sensor.Name,
		Fetcher:     fetcher,
		Parser:      parser,
		Filter:      f,
		Sink:        out,
		BeforeCycle: opts.BeforeCycle,
		AfterCycle:  opts.AfterCycle,
		Recorder:    recorder,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})
	return err
}

// Config returns the resolved configuration.
func (s *Sensor) Config() *config.Config { return s.cfg }

// Builder returns the envelope builder, for custom parsers.
func (s *Sensor) Builder() *envelope.Builder { return s.builder }

// Abort asks the crawler to stop after the current cycle.
func (s *Sensor) Abort() { s.crawler.Abort() }

// Run opens the crawler, starts any push listener and crawls until the
// crawler aborts or ctx ends. Every resource is released on return.
func (s *Sensor) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := s.closeOwned(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := s.crawler.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := s.crawler.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if s.start != nil {
		if err := s.start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if serr := s.stop(stopCtx); serr != nil {
				err = errors.Join(err, serr)
			}
		}()
	}

	s.logger.Info("sensor started",
		"store_type", s.cfg.StoreType, "filter_type", s.cfg.FilterType, "source_type", s.cfg.Source.Type)
	err = s.crawler.Run(ctx)
	s.logger.Info("sensor stopped", "error", err)
	return err
}

func (s *Sensor) closeOwned() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
