// Package ratelimit implements the single shared adaptive token-bucket
// limiter (C3, §4.3). It wraps golang.org/x/time/rate the way the teacher's
// internal/api/ratelimit.go already does (a mutex-guarded *rate.Limiter with
// lazy setup), but layers an adaptive policy on top of one shared instance
// instead of per-IP entries: success-streak driven recovery and
// Retry-After driven back-off, both expressed as calls to SetLimit rather
// than hand-rolled token math.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config mirrors config.Tuning.RateLimiter (§4.3).
type Config struct {
	InitialRate            float64
	MinRate                float64
	BurstCapacity          int
	RecoveryFactor         float64
	SuccessStreakThreshold int
}

func DefaultConfig() Config {
	return Config{
		InitialRate:            2.0,
		MinRate:                0.5,
		BurstCapacity:          5,
		RecoveryFactor:         1.25,
		SuccessStreakThreshold: 20,
	}
}

// Limiter is the process-wide shared adaptive limiter (§5 "Shared
// resources": a thread-safe primitive, not a shared field).
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	limiter     *rate.Limiter
	currentRate float64
	streak      int
	pauseUntil  time.Time
	now         func() time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.InitialRate), cfg.BurstCapacity),
		currentRate: cfg.InitialRate,
		now:         time.Now,
	}
}

// Acquire waits until at least one token is available (or the limiter is
// paused, in which case it waits until pauseUntil first), then subtracts
// one token. Suspends at this boundary only (§4.3, §5).
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	pause := l.pauseUntil
	rl := l.limiter
	l.mu.Unlock()

	if wait := time.Until(pause); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	return rl.Wait(ctx)
}

// RecordSuccess increments the success streak; every successStreakThreshold
// successes multiplies the current rate by recoveryFactor, capped at the
// configured initial rate.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streak++
	if l.streak%l.cfg.SuccessStreakThreshold != 0 {
		return
	}
	next := l.currentRate * l.cfg.RecoveryFactor
	if next > l.cfg.InitialRate {
		next = l.cfg.InitialRate
	}
	l.currentRate = next
	l.limiter.SetLimit(rate.Limit(l.currentRate))
}

// HandleRateLimit halves the current rate (floored at minRate), clears the
// streak, and pauses acquisitions until now+retryAfterSeconds.
func (l *Limiter) HandleRateLimit(retryAfterSeconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.currentRate / 2
	if next < l.cfg.MinRate {
		next = l.cfg.MinRate
	}
	l.currentRate = next
	l.streak = 0
	l.limiter.SetLimit(rate.Limit(l.currentRate))

	until := l.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	if until.After(l.pauseUntil) {
		l.pauseUntil = until
	}
}

// CurrentRate reports the limiter's current requests-per-second, mostly for
// observability/tests.
func (l *Limiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}
