package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kvass-analytics/ingestor/internal/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("repository: not found")

func (r *Repository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT id, provider_id, display_name, image_url, country, created_at,
		       last_login_at, last_ingested_at, top_stats_refreshed_at
		FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.ProviderID, &u.DisplayName, &u.ImageURL, &u.Country,
		&u.CreatedAt, &u.LastLoginAt, &u.LastIngestedAt, &u.TopStatsRefreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: scan user: %w", err)
	}
	return &u, nil
}

// GetOrCreateUser implements the OAuth-callback user upsert. Login itself
// is an external collaborator; this is the one durable side effect the
// engine owns on that path.
func (r *Repository) GetOrCreateUser(ctx context.Context, providerID, displayName string, imageURL *string) (*models.User, error) {
	row := r.Pool.QueryRow(ctx, `
		INSERT INTO users (id, provider_id, display_name, image_url, created_at, last_login_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, now(), now())
		ON CONFLICT (provider_id) DO UPDATE
		  SET display_name = EXCLUDED.display_name,
		      image_url = EXCLUDED.image_url,
		      last_login_at = now()
		RETURNING id, provider_id, display_name, image_url, country, created_at,
		          last_login_at, last_ingested_at, top_stats_refreshed_at`,
		providerID, displayName, imageURL)
	return scanUser(row)
}

func (r *Repository) UpdateLastIngestedAt(ctx context.Context, userID string, t time.Time) error {
	_, err := r.Pool.Exec(ctx, `UPDATE users SET last_ingested_at = $2 WHERE id = $1`, userID, t)
	if err != nil {
		return fmt.Errorf("repository: update last_ingested_at: %w", err)
	}
	return nil
}

// ResetIngestionCursor clears a user's sync cursor so the next C7 run pulls
// from after=0 instead of resuming from last_ingested_at (cmd/tools/backfill-user).
func (r *Repository) ResetIngestionCursor(ctx context.Context, userID string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE users SET last_ingested_at = NULL WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("repository: reset ingestion cursor: %w", err)
	}
	return nil
}

// EligibleForSync lists users the scheduler's seed-sync op should enqueue
// (§4.11): never ingested, or idle past cooldown while recently active.
func (r *Repository) EligibleForSync(ctx context.Context) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT u.id FROM users u
		JOIN auth_records a ON a.user_id = u.id
		WHERE a.is_valid
		  AND (u.last_ingested_at IS NULL
		       OR (u.last_ingested_at < now() - interval '5 minutes'
		           AND u.last_login_at >= now() - interval '7 days'))`)
	if err != nil {
		return nil, fmt.Errorf("repository: eligible for sync: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Tier classifies a user by lastLoginAt recency for top-stats scheduling
// (§4.9): tier 1 within 48h, tier 2 within 7d, tier 3 otherwise.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

func (r *Repository) UsersInTier(ctx context.Context, tier Tier) ([]string, error) {
	var where string
	switch tier {
	case Tier1:
		where = `last_login_at >= now() - interval '48 hours'`
	case Tier2:
		where = `last_login_at < now() - interval '48 hours' AND last_login_at >= now() - interval '7 days'`
	default:
		return nil, fmt.Errorf("repository: tier %d is not seeded directly", tier)
	}
	rows, err := r.Pool.Query(ctx, `SELECT id FROM users WHERE `+where)
	if err != nil {
		return nil, fmt.Errorf("repository: users in tier: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
