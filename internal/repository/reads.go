package repository

import (
	"context"
	"fmt"
	"time"
)

// reads.go serves the track-resolution reads C10 needs when building a
// playlist from cached stats rather than a fresh provider call.

// CachedTopTrackProviderIDs returns a term's cached top tracks in rank
// order, as provider ids (what the playlist builder needs to add tracks
// back on the provider).
func (r *Repository) CachedTopTrackProviderIDs(ctx context.Context, userID string, term string) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT t.provider_id
		FROM top_entries e JOIN tracks t ON t.id = e.track_id
		WHERE e.user_id = $1 AND e.term = $2 AND e.kind = 'track'
		ORDER BY e.rank ASC`, userID, term)
	if err != nil {
		return nil, fmt.Errorf("repository: cached top tracks: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// TopTracksAllTimeProviderIDs computes TOP_50_ALL_TIME directly from the
// running totals rather than a cached snapshot (§4.10).
func (r *Repository) TopTracksAllTimeProviderIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT t.provider_id
		FROM user_track_stats s JOIN tracks t ON t.id = s.track_id
		WHERE s.user_id = $1
		ORDER BY s.play_count DESC, s.total_ms DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: top tracks all time: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// RecentDistinctTrackProviderIDs fetches up to fetchLimit of a user's most
// recent plays within maxWindow and returns the first k distinct provider
// track ids in play order, for TOP_K_RECENT (§4.10).
func (r *Repository) RecentDistinctTrackProviderIDs(ctx context.Context, userID string, k int, fetchLimit int, maxWindow time.Duration) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT t.provider_id
		FROM listening_events e JOIN tracks t ON t.id = e.track_id
		WHERE e.user_id = $1 AND e.played_at >= $2
		ORDER BY e.played_at DESC
		LIMIT $3`, userID, time.Now().Add(-maxWindow), fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("repository: recent distinct tracks: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool, k)
	out := make([]string, 0, k)
	for rows.Next() {
		var providerID string
		if err := rows.Scan(&providerID); err != nil {
			return nil, fmt.Errorf("repository: scan recent track: %w", err)
		}
		if seen[providerID] {
			continue
		}
		seen[providerID] = true
		out = append(out, providerID)
		if len(out) == k {
			break
		}
	}
	return out, rows.Err()
}
