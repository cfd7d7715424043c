package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, name string) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, name), mr
}

func TestAddAndReserve_RoundTripsPayload(t *testing.T) {
	q, _ := newTestQueue(t, "sync")
	ctx := context.Background()

	id, err := q.Add(ctx, "sync-user", map[string]string{"user_id": "u1"}, AddOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "sync-user", job.Name)
	assert.Equal(t, StatusActive, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(job.Payload))
}

func TestAdd_NaturalKeyDedup(t *testing.T) {
	q, _ := newTestQueue(t, "top-stats")
	ctx := context.Background()

	id1, err := q.Add(ctx, "refresh", nil, AddOptions{JobID: "refresh:user-1"})
	require.NoError(t, err)

	id2, err := q.Add(ctx, "refresh", nil, AddOptions{JobID: "refresh:user-1"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "adding twice with the same jobId must be a no-op")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting, "only one job should actually be queued")
}

func TestReserve_RespectsDelay(t *testing.T) {
	q, _ := newTestQueue(t, "playlist")
	ctx := context.Background()

	_, err := q.Add(ctx, "build-playlist", "job-1", AddOptions{Delay: time.Hour})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "a job due an hour from now must not be reserved yet")
}

func TestReserve_ReturnsNilWhenPaused(t *testing.T) {
	q, _ := newTestQueue(t, "playlist")
	ctx := context.Background()

	_, err := q.Add(ctx, "build-playlist", "job-1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, q.Resume(ctx))
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestFail_RequeuesWithBackoffUntilExhausted(t *testing.T) {
	q, _ := newTestQueue(t, "sync")
	ctx := context.Background()

	id, err := q.Add(ctx, "sync-user", nil, AddOptions{Attempts: 2, BackoffMs: 1})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Fail(ctx, id, errors.New("boom")))

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "attempts remain, so it is requeued")

	time.Sleep(5 * time.Millisecond) // let the 1ms backoff elapse
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 2, job.Attempts)

	require.NoError(t, q.Fail(ctx, id, errors.New("boom again")))
	got, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status, "attempts exhausted, terminal failure")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestComplete_UpdatesCountersAndStatus(t *testing.T) {
	q, _ := newTestQueue(t, "sync")
	ctx := context.Background()

	id, err := q.Add(ctx, "sync-user", nil, AddOptions{})
	require.NoError(t, err)
	_, err = q.Reserve(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Equal(t, int64(0), counts.Active)
}

func TestReschedule_DoesNotCountAsFailedAttempt(t *testing.T) {
	q, _ := newTestQueue(t, "playlist")
	ctx := context.Background()

	id, err := q.Add(ctx, "build-playlist", nil, AddOptions{})
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Reschedule(ctx, id, time.Hour))

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, 1, got.Attempts, "reschedule must not bump the attempt counter")
}

func TestGetJob_NotFound(t *testing.T) {
	q, _ := newTestQueue(t, "sync")
	_, err := q.GetJob(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPriorityOrdering_HigherPriorityPopsFirstAtSameDueTime(t *testing.T) {
	q, _ := newTestQueue(t, "top-stats")
	ctx := context.Background()

	lowID, err := q.Add(ctx, "refresh", "low", AddOptions{Priority: 0})
	require.NoError(t, err)
	highID, err := q.Add(ctx, "refresh", "high", AddOptions{Priority: 10})
	require.NoError(t, err)

	first, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, highID, first.ID, "higher priority job due at the same instant pops first")

	second, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, lowID, second.ID)
}
