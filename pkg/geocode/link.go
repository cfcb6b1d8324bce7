package geocode

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/votermap/internal/resilience"
)

// Limiter blocks until the caller may issue one request. *rate.Limiter
// satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter allows rps requests per second with a burst of the same size.
func NewRateLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// NewIntervalLimiter spaces requests at least interval apart.
func NewIntervalLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}

// LinkOptions configures the throttling and retry wrapped around a provider.
type LinkOptions struct {
	Limiter Limiter
	Retry   resilience.RetryPolicy
	Breaker *resilience.Breaker
	// Timeout bounds each individual call. Zero means 10s.
	Timeout time.Duration
}

// Link is one provider in the chain together with its limiter, retry
// policy, circuit breaker and counters. A Link is shared by every job.
type Link struct {
	provider Provider
	limiter  Limiter
	retry    resilience.RetryPolicy
	breaker  *resilience.Breaker
	timeout  time.Duration

	calls      atomic.Int64
	successes  atomic.Int64
	noMatches  atomic.Int64
	rejections atomic.Int64
	failures   atomic.Int64
	skipped    atomic.Int64
}

// NewLink wraps p. Missing options fall back to no throttling, a single
// attempt and a default breaker.
func NewLink(p Provider, opts LinkOptions) *Link {
	l := &Link{
		provider: p,
		limiter:  opts.Limiter,
		retry:    opts.Retry,
		breaker:  opts.Breaker,
		timeout:  opts.Timeout,
	}
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if l.retry.MaxAttempts == 0 {
		l.retry.MaxAttempts = 1
	}
	if l.retry.OnRetry == nil {
		l.retry.OnRetry = resilience.RetryLogger(p.Name())
	}
	if l.breaker == nil {
		l.breaker = resilience.NewBreaker(resilience.NewBreakerConfig(0, 0))
	}
	if l.timeout <= 0 {
		l.timeout = 10 * time.Second
	}
	return l
}

// Name returns the provider name.
func (l *Link) Name() string { return l.provider.Name() }

// Geocode calls the provider with throttling and retry. It returns the
// number of calls made.
func (l *Link) Geocode(ctx context.Context, query string) (*Result, int, error) {
	if err := l.breaker.Allow(); err != nil {
		l.skipped.Add(1)
		return nil, 0, eris.Wrapf(err, "geocode: %s", l.Name())
	}

	res, attempts, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (*Result, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrapf(err, "geocode: %s rate limit", l.Name())
		}
		l.calls.Add(1)

		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		r, err := l.provider.Geocode(callCtx, query)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, resilience.NewTransientError(
				eris.Wrapf(err, "geocode: %s timed out after %s", l.Name(), l.timeout), 0)
		}
		return r, err
	})
	if ctx.Err() == nil {
		l.breaker.Record(err)
	}

	switch {
	case err == nil:
		l.successes.Add(1)
	case errors.Is(err, ErrNoMatch):
		l.noMatches.Add(1)
	case isRejection(err):
		l.rejections.Add(1)
	default:
		l.failures.Add(1)
	}
	return res, attempts, err
}

// ProviderStats is a snapshot of one link's counters.
type ProviderStats struct {
	Name       string `json:"name"`
	Available  bool   `json:"available"`
	Calls      int64  `json:"calls"`
	Successes  int64  `json:"successes"`
	NoMatches  int64  `json:"no_matches"`
	Rejections int64  `json:"rejections"`
	Failures   int64  `json:"failures"`
	Skipped    int64  `json:"skipped"`
	Circuit    string `json:"circuit"`
}

// Stats returns the link's counters.
func (l *Link) Stats() ProviderStats {
	return ProviderStats{
		Name:       l.Name(),
		Available:  l.provider.Available(),
		Calls:      l.calls.Load(),
		Successes:  l.successes.Load(),
		NoMatches:  l.noMatches.Load(),
		Rejections: l.rejections.Load(),
		Failures:   l.failures.Load(),
		Skipped:    l.skipped.Load(),
		Circuit:    l.breaker.State().String(),
	}
}

func isRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
