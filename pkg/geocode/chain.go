package geocode

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Chain tries links in fixed priority order until one resolves the query.
type Chain struct {
	links []*Link
}

// NewChain creates a Chain. Order is priority: first is tried first.
func NewChain(links ...*Link) *Chain {
	return &Chain{links: links}
}

// Len returns the number of links.
func (c *Chain) Len() int { return len(c.links) }

// Geocode walks the chain. Unavailable providers are skipped without an
// attempt record; failures of any kind fall through to the next link.
func (c *Chain) Geocode(ctx context.Context, query string) (*Result, []ProviderAttempt, error) {
	var tried []ProviderAttempt
	for _, l := range c.links {
		if !l.provider.Available() {
			continue
		}

		res, attempts, err := l.Geocode(ctx, query)
		if err == nil {
			return res, tried, nil
		}
		tried = append(tried, ProviderAttempt{Provider: l.Name(), Attempts: attempts, Err: err})

		if ctx.Err() != nil {
			return nil, tried, eris.Wrap(ctx.Err(), "geocode: chain interrupted")
		}
		if !errors.Is(err, ErrNoMatch) {
			zap.L().Debug("geocode: provider failed, trying next",
				zap.String("provider", l.Name()),
				zap.String("address", query),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
		}
	}
	return nil, tried, ErrNoMatch
}

// Stats returns every link's counters in priority order.
func (c *Chain) Stats() []ProviderStats {
	out := make([]ProviderStats, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l.Stats())
	}
	return out
}
