package crawler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/filter"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/sink"
)

// ErrAbort is wrapped by a Fetcher error to end the crawl after the
// current cycle.
var ErrAbort = errors.New("crawl aborted")

// Cycle outcomes as reported to metrics.
const (
	OutcomeStored      = "stored"
	OutcomeEmptyFetch  = "empty_fetch"
	OutcomeEmptyParse  = "empty_parse"
	OutcomeCheckFailed = "check_failed"
	OutcomeFilteredOut = "filtered_out"
	OutcomeError       = "error"
)

// Fetcher produces one raw payload per call. ok=false means there is
// nothing to process this cycle.
type Fetcher[T any] interface {
	Fetch(ctx context.Context) (raw T, ok bool, err error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc[T any] func(ctx context.Context) (T, bool, error)

// Fetch implements Fetcher.
func (f FetcherFunc[T]) Fetch(ctx context.Context) (T, bool, error) { return f(ctx) }

// Parser turns a raw payload into envelopes.
type Parser[T any] interface {
	Parse(ctx context.Context, raw T) ([]*envelope.Envelope, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc[T any] func(ctx context.Context, raw T) ([]*envelope.Envelope, error)

// Parse implements Parser.
func (f ParserFunc[T]) Parse(ctx context.Context, raw T) ([]*envelope.Envelope, error) {
	return f(ctx, raw)
}

// Hook runs at a cycle boundary. A fatal error ends Run, any other error
// is logged.
type Hook func(ctx context.Context) error

// Options assembles a Crawler. Fetcher, Parser and Sink are required.
type Options[T any] struct {
	Sensor  string
	Fetcher Fetcher[T]
	Parser  Parser[T]
	// Filter defaults to a pass-through filter.
	Filter filter.Filter
	Sink   sink.Sink

	BeforeCycle Hook
	AfterCycle  Hook

	// Recorder defaults to NopRecorder.
	Recorder TimeRecorder
	Metrics  *metric.Metrics
	Logger   *slog.Logger
	// Clock defaults to time.Now. Used for commit and check times.
	Clock func() time.Time
}

// Crawler drives the crawl cycle.
type Crawler[T any] struct {
	opts   Options[T]
	logger *slog.Logger

	aborted atomic.Bool
	// lastCommit keeps commit times, and so data ids, strictly increasing.
	lastCommit time.Time

	mu     sync.Mutex
	opened bool
}

// New validates opts and returns a Crawler.
func New[T any](opts Options[T]) (*Crawler[T], error) {
	if opts.Fetcher == nil || opts.Parser == nil || opts.Sink == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Crawler", "New", "fetcher, parser and sink check")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Filter == nil {
		opts.Filter = filter.NewPassthrough(filter.WithLogger(opts.Logger), filter.WithMetrics(opts.Metrics, opts.Sensor))
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Crawler[T]{
		opts:   opts,
		logger: opts.Logger.With("component", "crawler"),
	}, nil
}

// Open opens the filter and the sink.
func (c *Crawler[T]) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return errors.WrapFatal(errors.ErrAlreadyOpen, "Crawler", "Open", "state check")
	}
	if err := c.opts.Filter.Open(ctx); err != nil {
		return errors.Wrap(err, "Crawler", "Open", "filter open")
	}
	if err := c.opts.Sink.Open(ctx); err != nil {
		_ = c.opts.Filter.Close()
		return errors.Wrap(err, "Crawler", "Open", "sink open")
	}
	c.opened = true
	return nil
}

// Close releases the sink, the filter and the recorder.
func (c *Crawler[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.opened = false
	return errors.Join(
		c.opts.Sink.Close(),
		c.opts.Filter.Close(),
		c.opts.Recorder.Close(),
	)
}

// Abort ends the crawl once the current cycle completes. Safe to call
// from any goroutine.
func (c *Crawler[T]) Abort() { c.aborted.Store(true) }

// Aborted reports whether an abort was requested.
func (c *Crawler[T]) Aborted() bool { return c.aborted.Load() }

// Run loops over crawl cycles until aborted. It returns nil after an
// abort, the context error after cancellation and the error that stopped
// it otherwise.
func (c *Crawler[T]) Run(ctx context.Context) error {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if !opened {
		return errors.WrapFatal(errors.ErrNotOpen, "Crawler", "Run", "state check")
	}

	c.logger.Info("crawl started", "sensor", c.opts.Sensor)
	for !c.aborted.Load() {
		if err := ctx.Err(); err != nil {
			c.logger.Info("crawl cancelled", "sensor", c.opts.Sensor)
			return err
		}
		if err := c.cycle(ctx); err != nil {
			c.logger.Error("crawl stopped", "sensor", c.opts.Sensor, "error", err)
			return err
		}
	}
	c.logger.Info("crawl aborted", "sensor", c.opts.Sensor)
	return nil
}

func (c *Crawler[T]) cycle(ctx context.Context) error {
	t := Timing{IntervalStart: c.opts.Clock()}
	began := time.Now()
	outcome, err := c.stages(ctx, &t)
	t.Crawl = time.Since(began)

	c.opts.Metrics.RecordStage(c.opts.Sensor, metric.StageCrawl, t.Crawl)
	c.opts.Metrics.RecordCycle(c.opts.Sensor, outcome)
	if rerr := c.opts.Recorder.Record(t); rerr != nil {
		c.logger.Warn("time record not written", "error", rerr)
	}
	c.logger.Debug("cycle finished", "outcome", outcome, "crawl_time", t.Crawl)
	return err
}

// stages runs one cycle. The returned error is non-nil only when the
// crawl must stop.
func (c *Crawler[T]) stages(ctx context.Context, t *Timing) (string, error) {
	if err := c.hook(ctx, "before_cycle", c.opts.BeforeCycle); err != nil {
		return OutcomeError, err
	}

	done := c.stage(metric.StageFetch, &t.Fetch)
	raw, ok, err := c.opts.Fetcher.Fetch(ctx)
	done()
	switch {
	case errors.Is(err, ErrAbort):
		c.logger.Info("fetcher requested abort", "reason", err)
		c.Abort()
		return OutcomeEmptyFetch, nil
	case err != nil:
		if stop := c.stop(ctx, err); stop != nil {
			return OutcomeError, stop
		}
		c.logger.Error("fetch failed, continuing with next cycle", "error", err)
		return OutcomeError, nil
	case !ok:
		c.logger.Info("fetch result is empty, continuing with next cycle")
		return OutcomeEmptyFetch, nil
	}

	done = c.stage(metric.StageParse, &t.Parse)
	batch, err := c.opts.Parser.Parse(ctx, raw)
	done()
	if err != nil {
		if stop := c.stop(ctx, err); stop != nil {
			return OutcomeError, stop
		}
		c.logger.Error("parse failed, continuing with next cycle", "error", err)
		return OutcomeError, nil
	}
	if len(batch) == 0 {
		c.logger.Info("parse result is empty, continuing with next cycle")
		return OutcomeEmptyParse, nil
	}

	done = c.stage(metric.StageCommit, &t.Commit)
	batch, err = c.commit(batch)
	done()
	if err != nil {
		if stop := c.stop(ctx, err); stop != nil {
			return OutcomeError, stop
		}
		c.logger.Error("commit failed, continuing with next cycle", "error", err)
		return OutcomeError, nil
	}

	done = c.stage(metric.StageCheck, &t.Check)
	err = c.check(batch)
	done()
	if err != nil {
		c.logger.Error("batch is invalid, continuing with next cycle", "error", err)
		return OutcomeCheckFailed, nil
	}

	done = c.stage(metric.StageFilter, &t.Filter)
	batch, err = c.opts.Filter.Filter(ctx, batch)
	done()
	if err != nil {
		if stop := c.stop(ctx, err); stop != nil {
			return OutcomeError, stop
		}
		c.logger.Error("filter failed, continuing with next cycle", "error", err)
		return OutcomeError, nil
	}
	if len(batch) == 0 {
		c.logger.Info("filtered batch is empty, continuing with next cycle")
		return OutcomeFilteredOut, nil
	}

	done = c.stage(metric.StageStore, &t.Store)
	err = c.opts.Sink.Store(ctx, batch)
	done()
	if err != nil {
		c.logger.Error("store failed", "error", err)
	}

	if err := c.hook(ctx, "after_cycle", c.opts.AfterCycle); err != nil {
		return OutcomeStored, err
	}
	return OutcomeStored, nil
}

// stop returns the error that ends Run, or nil when the cycle can be skipped.
func (c *Crawler[T]) stop(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.IsFatal(err) {
		return err
	}
	return nil
}

func (c *Crawler[T]) hook(ctx context.Context, name string, h Hook) error {
	if h == nil {
		return nil
	}
	err := h(ctx)
	if err == nil {
		return nil
	}
	if errors.IsFatal(err) {
		return err
	}
	c.logger.Warn("hook failed", "hook", name, "error", err)
	return nil
}

func (c *Crawler[T]) stage(name string, d *time.Duration) func() {
	began := time.Now()
	return func() {
		*d = time.Since(began)
		c.opts.Metrics.RecordStage(c.opts.Sensor, name, *d)
	}
}

func (c *Crawler[T]) commit(batch []*envelope.Envelope) ([]*envelope.Envelope, error) {
	out := make([]*envelope.Envelope, 0, len(batch))
	for _, e := range batch {
		now := c.opts.Clock()
		if !now.After(c.lastCommit) {
			now = c.lastCommit.Add(time.Microsecond)
		}
		c.lastCommit = now
		committed, err := envelope.Commit(e, now)
		if err != nil {
			return nil, err
		}
		out = append(out, committed)
	}
	return out, nil
}

// check validates every envelope. One invalid envelope invalidates the batch.
func (c *Crawler[T]) check(batch []*envelope.Envelope) error {
	now := c.opts.Clock()
	for _, e := range batch {
		if err := envelope.Check(e, now); err != nil {
			return err
		}
	}
	return nil
}
