package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kvass-analytics/ingestor/internal/models"
)

// RefreshTopEntries is C9's commit phase (§4.9): lock the user row, wipe
// the user's prior top-entry rows, insert the new set, and stamp
// topStatsRefreshedAt, all inside one transaction so a reader never
// observes ranks mixed across two runs (I4, I5). ctx should already carry
// the caller's 30s deadline.
func (r *Repository) RefreshTopEntries(ctx context.Context, userID string, entries []models.TopEntry) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: begin top entries tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("repository: lock user row: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM top_entries WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("repository: delete prior top entries: %w", err)
	}

	if len(entries) > 0 {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`
				INSERT INTO top_entries (user_id, term, kind, rank, track_id, artist_id)
				VALUES ($1, $2, $3, $4, $5, $6)`, e.UserID, e.Term, e.Kind, e.Rank, e.TrackID, e.ArtistID)
		}
		if err := runBatch(ctx, txBatcher{tx}, batch, len(entries), "insert top entries"); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET top_stats_refreshed_at = now() WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("repository: stamp top_stats_refreshed_at: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: commit top entries tx: %w", err)
	}
	return nil
}

// txBatcher adapts pgx.Tx to the SendBatch-only interface runBatch needs.
type txBatcher struct{ tx pgx.Tx }

func (b txBatcher) SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults {
	return b.tx.SendBatch(ctx, batch)
}

// TopTrackEntryView is a ranked track row shaped for the read API, joined
// against the catalog for display fields a client needs (name, artists).
type TopTrackEntryView struct {
	Rank       int
	TrackID    string
	Name       string
	ArtistName string
}

// TopArtistEntryView is a ranked artist row shaped for the read API.
type TopArtistEntryView struct {
	Rank     int
	ArtistID string
	Name     string
}

// TopTrackEntries reads a user's cached top tracks for one term, joined
// with track and primary-artist names for display (internal/api).
func (r *Repository) TopTrackEntries(ctx context.Context, userID string, term models.Term) ([]TopTrackEntryView, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT e.rank, t.id, t.name,
		       coalesce((SELECT a.name FROM track_artists ta JOIN artists a ON a.id = ta.artist_id
		                 WHERE ta.track_id = t.id ORDER BY ta.artist_id LIMIT 1), '')
		FROM top_entries e JOIN tracks t ON t.id = e.track_id
		WHERE e.user_id = $1 AND e.term = $2 AND e.kind = 'track'
		ORDER BY e.rank ASC`, userID, term)
	if err != nil {
		return nil, fmt.Errorf("repository: top track entries: %w", err)
	}
	defer rows.Close()

	var out []TopTrackEntryView
	for rows.Next() {
		var v TopTrackEntryView
		if err := rows.Scan(&v.Rank, &v.TrackID, &v.Name, &v.ArtistName); err != nil {
			return nil, fmt.Errorf("repository: scan top track entry: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TopEntryAnomaly identifies a (user, term, kind) list whose top_entries
// rows violate I4 (ranks must be a contiguous 1..k sequence with no gaps
// or duplicates) — should never happen, but repair-top-entries exists to
// fix it when it does.
type TopEntryAnomaly struct {
	UserID string
	Term   models.Term
	Kind   models.TopEntryKind
}

// FindTopEntryAnomalies scans every (user, term, kind) group and reports
// ones whose rank set isn't exactly 1..count(*) — a gap, a duplicate rank,
// or a rank that doesn't start at 1. Grounded on the teacher's own anomaly
// scan in repair_indexing_anomalies, adapted from height gaps to rank gaps.
func (r *Repository) FindTopEntryAnomalies(ctx context.Context) ([]TopEntryAnomaly, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT user_id, term, kind
		FROM top_entries
		GROUP BY user_id, term, kind
		HAVING count(*) <> max(rank) OR min(rank) <> 1 OR count(DISTINCT rank) <> count(*)`)
	if err != nil {
		return nil, fmt.Errorf("repository: find top entry anomalies: %w", err)
	}
	defer rows.Close()

	var out []TopEntryAnomaly
	for rows.Next() {
		var a TopEntryAnomaly
		if err := rows.Scan(&a.UserID, &a.Term, &a.Kind); err != nil {
			return nil, fmt.Errorf("repository: scan top entry anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TopArtistEntries reads a user's cached top artists for one term.
func (r *Repository) TopArtistEntries(ctx context.Context, userID string, term models.Term) ([]TopArtistEntryView, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT e.rank, a.id, a.name
		FROM top_entries e JOIN artists a ON a.id = e.artist_id
		WHERE e.user_id = $1 AND e.term = $2 AND e.kind = 'artist'
		ORDER BY e.rank ASC`, userID, term)
	if err != nil {
		return nil, fmt.Errorf("repository: top artist entries: %w", err)
	}
	defer rows.Close()

	var out []TopArtistEntryView
	for rows.Next() {
		var v TopArtistEntryView
		if err := rows.Scan(&v.Rank, &v.ArtistID, &v.Name); err != nil {
			return nil, fmt.Errorf("repository: scan top artist entry: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
