package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kvass-analytics/ingestor/internal/models"
)

// stats.go holds the four rollup upserts the aggregator (C8) fires in
// parallel. Every upsert is additive: ON CONFLICT DO UPDATE adds the
// batch's delta onto the existing row rather than overwriting it, since
// two concurrent batches for the same user must not clobber each other's
// counts (§4.8, I3).

type TrackStatsDelta struct {
	UserID       string
	TrackID      string
	PlayCount    int64
	TotalMs      int64
	LastPlayedAt time.Time
}

type ArtistStatsDelta struct {
	UserID    string
	ArtistID  string
	PlayCount int64
	TotalMs   int64
}

type DayBucketDelta struct {
	UserID       string
	BucketDate   time.Time
	PlayCount    int64
	TotalMs      int64
	UniqueTracks int64
}

type HourBucketDelta struct {
	UserID    string
	Hour      int
	PlayCount int64
	TotalMs   int64
}

func (r *Repository) UpsertTrackStats(ctx context.Context, deltas []TrackStatsDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO user_track_stats (user_id, track_id, play_count, total_ms, last_played_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, track_id) DO UPDATE
			  SET play_count = user_track_stats.play_count + EXCLUDED.play_count,
			      total_ms = user_track_stats.total_ms + EXCLUDED.total_ms,
			      last_played_at = GREATEST(user_track_stats.last_played_at, EXCLUDED.last_played_at)`,
			d.UserID, d.TrackID, d.PlayCount, d.TotalMs, d.LastPlayedAt)
	}
	return runBatch(ctx, r.Pool, batch, len(deltas), "upsert track stats")
}

func (r *Repository) UpsertArtistStats(ctx context.Context, deltas []ArtistStatsDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO user_artist_stats (user_id, artist_id, play_count, total_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, artist_id) DO UPDATE
			  SET play_count = user_artist_stats.play_count + EXCLUDED.play_count,
			      total_ms = user_artist_stats.total_ms + EXCLUDED.total_ms`,
			d.UserID, d.ArtistID, d.PlayCount, d.TotalMs)
	}
	return runBatch(ctx, r.Pool, batch, len(deltas), "upsert artist stats")
}

func (r *Repository) UpsertDayBuckets(ctx context.Context, deltas []DayBucketDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO user_time_bucket_stats (user_id, bucket_type, bucket_date, play_count, total_ms, unique_tracks)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, bucket_type, bucket_date) DO UPDATE
			  SET play_count = user_time_bucket_stats.play_count + EXCLUDED.play_count,
			      total_ms = user_time_bucket_stats.total_ms + EXCLUDED.total_ms,
			      unique_tracks = user_time_bucket_stats.unique_tracks + EXCLUDED.unique_tracks`,
			d.UserID, models.BucketDay, d.BucketDate, d.PlayCount, d.TotalMs, d.UniqueTracks)
	}
	return runBatch(ctx, r.Pool, batch, len(deltas), "upsert day buckets")
}

func (r *Repository) UpsertHourBuckets(ctx context.Context, deltas []HourBucketDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO user_hour_stats (user_id, hour, play_count, total_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, hour) DO UPDATE
			  SET play_count = user_hour_stats.play_count + EXCLUDED.play_count,
			      total_ms = user_hour_stats.total_ms + EXCLUDED.total_ms`,
			d.UserID, d.Hour, d.PlayCount, d.TotalMs)
	}
	return runBatch(ctx, r.Pool, batch, len(deltas), "upsert hour buckets")
}
