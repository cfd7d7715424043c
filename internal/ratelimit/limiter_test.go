package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSuccess_RecoversRateOnStreak(t *testing.T) {
	l := New(Config{
		InitialRate: 2.0, MinRate: 0.5, BurstCapacity: 5,
		RecoveryFactor: 1.25, SuccessStreakThreshold: 20,
	})
	l.currentRate = 0.5 // simulate a prior back-off

	for i := 0; i < 19; i++ {
		l.RecordSuccess()
	}
	assert.Equal(t, 0.5, l.CurrentRate(), "rate must not move before the streak threshold")

	l.RecordSuccess()
	assert.InDelta(t, 0.625, l.CurrentRate(), 1e-9, "20th success multiplies by recoveryFactor")
}

func TestRecordSuccess_CapsAtInitialRate(t *testing.T) {
	l := New(DefaultConfig())
	for i := 0; i < DefaultConfig().SuccessStreakThreshold*5; i++ {
		l.RecordSuccess()
	}
	assert.Equal(t, DefaultConfig().InitialRate, l.CurrentRate())
}

func TestHandleRateLimit_HalvesAndFloors(t *testing.T) {
	l := New(DefaultConfig())
	l.HandleRateLimit(60)
	assert.Equal(t, 1.0, l.CurrentRate())

	l.HandleRateLimit(60)
	assert.Equal(t, 0.5, l.CurrentRate())

	// another halving would go below minRate; must floor instead.
	l.HandleRateLimit(60)
	assert.Equal(t, 0.5, l.CurrentRate())
}

func TestHandleRateLimit_ClearsStreakAndSetsPause(t *testing.T) {
	l := New(DefaultConfig())
	for i := 0; i < DefaultConfig().SuccessStreakThreshold; i++ {
		l.RecordSuccess()
	}
	require.Greater(t, l.CurrentRate(), DefaultConfig().InitialRate-0.01)

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixedNow }

	l.HandleRateLimit(120)
	assert.Equal(t, 0, l.streak)
	assert.Equal(t, fixedNow.Add(120*time.Second), l.pauseUntil)
}

func TestHandleRateLimit_OnlyLatestPauserWins(t *testing.T) {
	l := New(DefaultConfig())
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixedNow }

	l.HandleRateLimit(120)
	l.HandleRateLimit(30) // a shorter pause must not shrink the window
	assert.Equal(t, fixedNow.Add(120*time.Second), l.pauseUntil)
}

func TestAcquire_WaitsOutPause(t *testing.T) {
	l := New(Config{InitialRate: 1000, MinRate: 1, BurstCapacity: 10, RecoveryFactor: 1.25, SuccessStreakThreshold: 20})
	l.mu.Lock()
	l.pauseUntil = time.Now().Add(50 * time.Millisecond)
	l.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	l := New(DefaultConfig())
	l.mu.Lock()
	l.pauseUntil = time.Now().Add(time.Hour)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
