// Package middleware composes the shared Circuit Breaker + Rate Limiter
// wrapper every provider call routes through. Do checks the breaker first,
// so an open circuit fails fast without taking a limiter token, and only
// then waits on the limiter before calling the provider. Token
// acquisition happens one layer up, in each consumer, since it is keyed
// by user rather than by service.
package middleware

import (
	"context"
	"errors"

	"github.com/kvass-analytics/ingestor/internal/breaker"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/ratelimit"
)

// Pipeline is shared process-wide: one adaptive limiter instance and one
// breaker table, handed to every component that calls the provider (§5
// "Process-local singletons").
type Pipeline struct {
	Limiter *ratelimit.Limiter
	Breaker *breaker.Table
}

func New(limiter *ratelimit.Limiter, breakerTable *breaker.Table) *Pipeline {
	return &Pipeline{Limiter: limiter, Breaker: breakerTable}
}

// Do runs fn through the breaker gate and the shared limiter, updating
// both on outcome. serviceKey groups endpoints by failure domain (e.g.
// "player", "top", "catalog", "playlist") per §4.2.
func (p *Pipeline) Do(ctx context.Context, serviceKey string, fn func(ctx context.Context) error) error {
	if err := p.Breaker.Allow(serviceKey); err != nil {
		return err
	}
	if err := p.Limiter.Acquire(ctx); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		p.Breaker.RecordSuccess(serviceKey)
		p.Limiter.RecordSuccess()
		return nil
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		p.Breaker.RecordFailure(serviceKey, perr.ShouldCountForBreaker())
		if perr.Kind == provider.KindRateLimited {
			p.Limiter.HandleRateLimit(perr.RetryAfterS)
		}
	} else {
		p.Breaker.RecordFailure(serviceKey, true)
	}
	return err
}
