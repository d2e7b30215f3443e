// Package fanout runs bounded, rate spaced concurrent calls against one provider.
package fanout

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Pool bounds concurrency and enforces a minimum interval between call starts.
// One Pool is shared by every caller of the same provider.
type Pool struct {
	limit   int
	limiter *rate.Limiter
}

// NewPool creates a pool. interval <= 0 disables spacing.
func NewPool(limit int, interval time.Duration) *Pool {
	if limit <= 0 {
		limit = 1
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		lim = rate.NewLimiter(rate.Every(interval), 1)
	}
	return &Pool{limit: limit, limiter: lim}
}

// Limit returns the concurrency bound.
func (p *Pool) Limit() int {
	return p.limit
}

// Map applies fn to every item and returns results in input order. The first
// error cancels the remaining calls.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			r, err := fn(gctx, item)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
