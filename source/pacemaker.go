package source

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nict-isp/uds-sdk/crawler"
)

// Pacemaker spaces calls to Wait at least interval apart, measured from
// the end of the previous Wait. The first call returns at once.
type Pacemaker struct {
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewPacemaker creates a pacemaker. A zero interval never waits.
func NewPacemaker(interval time.Duration, logger *slog.Logger) *Pacemaker {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacemaker{limiter: rate.NewLimiter(limit, 1), logger: logger, now: time.Now}
}

// Wait sleeps for the remainder of the interval or until ctx ends.
func (p *Pacemaker) Wait(ctx context.Context) error {
	now := p.now()
	r := p.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	p.logger.Info("waiting for next fetch", "sleep", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(p.now())
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type paced[T any] struct {
	pm    *Pacemaker
	inner crawler.Fetcher[T]
}

// Paced waits on a pacemaker before every fetch of inner.
func Paced[T any](inner crawler.Fetcher[T], interval time.Duration, logger *slog.Logger) crawler.Fetcher[T] {
	return &paced[T]{pm: NewPacemaker(interval, logger), inner: inner}
}

func (p *paced[T]) Fetch(ctx context.Context) (T, bool, error) {
	if err := p.pm.Wait(ctx); err != nil {
		var zero T
		return zero, false, err
	}
	return p.inner.Fetch(ctx)
}
