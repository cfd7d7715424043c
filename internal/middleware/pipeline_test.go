package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvass-analytics/ingestor/internal/breaker"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/ratelimit"
)

func fastLimiterConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.InitialRate = 1000
	cfg.BurstCapacity = 1000
	return cfg
}

func TestDo_SuccessRecordsOnBothBreakerAndLimiter(t *testing.T) {
	p := New(ratelimit.New(fastLimiterConfig()), breaker.NewTable())

	err := p.Do(context.Background(), "player", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestDo_BreakerOpenShortCircuitsBeforeLimiter(t *testing.T) {
	bt := breaker.NewTable()
	for i := 0; i < 5; i++ {
		bt.RecordFailure("player", true)
	}

	p := New(ratelimit.New(fastLimiterConfig()), bt)

	var called bool
	err := p.Do(context.Background(), "player", func(ctx context.Context) error {
		called = true
		return nil
	})
	var openErr *breaker.ErrOpen
	require.ErrorAs(t, err, &openErr)
	assert.False(t, called, "breaker must gate before fn ever runs")
}

func TestDo_ProviderErrorRecordsBreakerFailureAndRateLimitBackoff(t *testing.T) {
	bt := breaker.NewTable()
	lim := ratelimit.New(fastLimiterConfig())
	p := New(lim, bt)

	rateLimited := &provider.Error{Kind: provider.KindRateLimited, RetryAfterS: 30}
	err := p.Do(context.Background(), "player", func(ctx context.Context) error { return rateLimited })
	assert.ErrorIs(t, err, rateLimited)

	// a single 429 must not yet trip the breaker (threshold is 5).
	assert.NoError(t, bt.Allow("player"))
}

func TestDo_NonProviderErrorAlwaysCountsAgainstBreaker(t *testing.T) {
	bt := breaker.NewTable()
	p := New(ratelimit.New(fastLimiterConfig()), bt)

	for i := 0; i < 5; i++ {
		err := p.Do(context.Background(), "player", func(ctx context.Context) error { return errors.New("boom") })
		assert.Error(t, err)
	}
	var openErr *breaker.ErrOpen
	assert.ErrorAs(t, bt.Allow("player"), &openErr)
}
