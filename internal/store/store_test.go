package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), mr
}

func TestAcquireLock_ExclusiveUntilReleased(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "cron:sync:lock", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "cron:sync:lock", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second owner must not acquire a held lock")

	require.NoError(t, s.ReleaseLock(ctx, "cron:sync:lock", "owner-a"))

	ok, err = s.AcquireLock(ctx, "cron:sync:lock", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lock must be acquirable again")
}

func TestReleaseLock_OnlyOwnerCanRelease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "k", "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, "k", "owner-b"))

	ok, err = s.AcquireLock(ctx, "k", "owner-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a non-owner's release call must not free the lock")
}

func TestIncrWithTTL_SetsTTLOnlyOnFirstIncrement(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.IncrWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, mr.TTL("counter"))

	mr.FastForward(30 * time.Second)
	n, err = s.IncrWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDecr_ClampsAtZero(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Decr(ctx, "counter"))
	require.NoError(t, s.Decr(ctx, "counter"))

	n, err := s.GetInt(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestGetInt_AbsentKeyIsZero(t *testing.T) {
	s, _ := newTestStore(t)
	n, err := s.GetInt(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSetIfGreater_OnlyLatestPauserWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetIfGreater(ctx, "pause_until", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfGreater(ctx, "pause_until", 50)
	require.NoError(t, err)
	assert.False(t, ok, "a lesser value must not supersede the stored one")

	ok, err = s.SetIfGreater(ctx, "pause_until", 200)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.GetInt(ctx, "pause_until")
	require.NoError(t, err)
	assert.Equal(t, int64(200), n)
}

func TestDeleteIfLessEqual(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetIfGreater(ctx, "pause_until", 100)
	require.NoError(t, err)

	cleared, err := s.DeleteIfLessEqual(ctx, "pause_until", 50)
	require.NoError(t, err)
	assert.False(t, cleared, "now < stored pauseUntil must not clear the key")

	cleared, err = s.DeleteIfLessEqual(ctx, "pause_until", 150)
	require.NoError(t, err)
	assert.True(t, cleared)

	n, err := s.GetInt(ctx, "pause_until")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
