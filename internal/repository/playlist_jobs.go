package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kvass-analytics/ingestor/internal/models"
)

func (r *Repository) GetPlaylistJobByIdempotencyKey(ctx context.Context, key string) (*models.PlaylistJob, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT `+playlistJobColumns+` FROM playlist_jobs WHERE idempotency_key = $1`, key)
	return scanPlaylistJob(row)
}

func (r *Repository) GetPlaylistJob(ctx context.Context, id string) (*models.PlaylistJob, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT `+playlistJobColumns+` FROM playlist_jobs WHERE id = $1`, id)
	return scanPlaylistJob(row)
}

func (r *Repository) CreatePlaylistJob(ctx context.Context, j *models.PlaylistJob) error {
	row := r.Pool.QueryRow(ctx, `
		INSERT INTO playlist_jobs (
			id, user_id, idempotency_key, creation_method, name, is_public,
			source_playlist_id, shuffle_mode, k_value, start_date, end_date,
			cover_image_base64, status, total_tracks, added_tracks, estimated_tracks,
			retry_count, rate_limit_delays, last_heartbeat_at, created_at
		) VALUES (
			gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, 0, 0, $13, 0, 0, now(), now()
		) RETURNING id`,
		j.UserID, j.IdempotencyKey, j.CreationMethod, j.Name, j.IsPublic,
		j.SourcePlaylistID, j.ShuffleMode, j.KValue, j.StartDate, j.EndDate,
		j.CoverImageBase64, models.PlaylistPending, j.EstimatedTracks)
	return row.Scan(&j.ID)
}

// MarkPlaylistJobStarted stamps started_at the first time a worker picks
// the job up; a retried job keeps its original start.
func (r *Repository) MarkPlaylistJobStarted(ctx context.Context, id string) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE playlist_jobs SET started_at = now()
		WHERE id = $1 AND started_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("repository: mark playlist job started: %w", err)
	}
	return nil
}

func (r *Repository) SetTotalTracks(ctx context.Context, id string, total int) error {
	_, err := r.Pool.Exec(ctx, `UPDATE playlist_jobs SET total_tracks = $2 WHERE id = $1`, id, total)
	if err != nil {
		return fmt.Errorf("repository: set total tracks: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePlaylistJobStatus(ctx context.Context, id string, status models.PlaylistStatus) error {
	_, err := r.Pool.Exec(ctx, `UPDATE playlist_jobs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("repository: update playlist job status: %w", err)
	}
	return nil
}

func (r *Repository) SetPlaylistID(ctx context.Context, id, spotifyPlaylistID, spotifyPlaylistURL string) error {
	// Only ever sets the column from NULL, preserving I6 (set at most once).
	_, err := r.Pool.Exec(ctx, `
		UPDATE playlist_jobs SET spotify_playlist_id = $2, spotify_playlist_url = $3
		WHERE id = $1 AND spotify_playlist_id IS NULL`, id, spotifyPlaylistID, spotifyPlaylistURL)
	if err != nil {
		return fmt.Errorf("repository: set playlist id: %w", err)
	}
	return nil
}

func (r *Repository) UpdateAddedTracks(ctx context.Context, id string, addedTracks int) error {
	_, err := r.Pool.Exec(ctx, `UPDATE playlist_jobs SET added_tracks = $2 WHERE id = $1`, id, addedTracks)
	if err != nil {
		return fmt.Errorf("repository: update added tracks: %w", err)
	}
	return nil
}

func (r *Repository) Heartbeat(ctx context.Context, id string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE playlist_jobs SET last_heartbeat_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository: heartbeat: %w", err)
	}
	return nil
}

func (r *Repository) IncrementRateLimitDelays(ctx context.Context, id string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE playlist_jobs SET rate_limit_delays = rate_limit_delays + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository: increment rate limit delays: %w", err)
	}
	return nil
}

func (r *Repository) CompletePlaylistJob(ctx context.Context, id string) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE playlist_jobs SET status = $2, completed_at = now() WHERE id = $1`,
		id, models.PlaylistCompleted)
	if err != nil {
		return fmt.Errorf("repository: complete playlist job: %w", err)
	}
	return nil
}

func (r *Repository) FailPlaylistJob(ctx context.Context, id, reason string) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE playlist_jobs SET status = $2, error_message = $3 WHERE id = $1`,
		id, models.PlaylistFailed, reason)
	if err != nil {
		return fmt.Errorf("repository: fail playlist job: %w", err)
	}
	return nil
}

// StaleInProgressJobs returns jobs whose heartbeat has gone silent past
// staleAfter, for the C10 stale reaper (§4.10).
func (r *Repository) StaleInProgressJobs(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id FROM playlist_jobs
		WHERE status IN ($1, $2, $3, $4) AND last_heartbeat_at < $5`,
		models.PlaylistPending, models.PlaylistCreating, models.PlaylistAddingTracks, models.PlaylistUploadingImg,
		time.Now().Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("repository: stale in-progress jobs: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// CountPlaylistJobsSince is the shared-store-unavailable fallback for
// admission control (§4.10): count jobs by status and recency directly.
func (r *Repository) CountPlaylistJobsSince(ctx context.Context, userID string, statuses []models.PlaylistStatus, since time.Time) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx, `
		SELECT count(*) FROM playlist_jobs
		WHERE user_id = $1 AND status = ANY($2) AND created_at >= $3`,
		userID, statuses, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: count playlist jobs: %w", err)
	}
	return n, nil
}

const playlistJobColumns = `
	id, user_id, idempotency_key, creation_method, name, is_public,
	source_playlist_id, shuffle_mode, k_value, start_date, end_date,
	cover_image_base64, status, total_tracks, added_tracks, estimated_tracks,
	spotify_playlist_id, spotify_playlist_url, error_message, retry_count,
	rate_limit_delays, last_heartbeat_at, started_at, completed_at, created_at`

func scanPlaylistJob(row pgx.Row) (*models.PlaylistJob, error) {
	var j models.PlaylistJob
	err := row.Scan(
		&j.ID, &j.UserID, &j.IdempotencyKey, &j.CreationMethod, &j.Name, &j.IsPublic,
		&j.SourcePlaylistID, &j.ShuffleMode, &j.KValue, &j.StartDate, &j.EndDate,
		&j.CoverImageBase64, &j.Status, &j.TotalTracks, &j.AddedTracks, &j.EstimatedTracks,
		&j.SpotifyPlaylistID, &j.SpotifyPlaylistURL, &j.ErrorMessage, &j.RetryCount,
		&j.RateLimitDelays, &j.LastHeartbeatAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: scan playlist job: %w", err)
	}
	return &j, nil
}
