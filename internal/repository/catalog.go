package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// catalog.go gives C6 (internal/catalog) its bulk primitives: insert many
// skipping duplicates, then re-select by provider id to learn internal
// ids. Every insert here is a single pgx.Batch round trip regardless of
// batch size, following postgres_ingest.go's SaveBatch/UpsertTokenTransfers
// idiom.

type ArtistInput struct {
	ProviderID string
	Name       string
	ImageURL   *string
}

type AlbumInput struct {
	ProviderID string
	Name       string
	ImageURL   *string
}

type TrackInput struct {
	ProviderID string
	Name       string
	DurationMs int64
	PreviewURL *string
	AlbumID    *string
}

type TrackArtistPair struct {
	TrackID  string
	ArtistID string
}

func (r *Repository) UpsertArtists(ctx context.Context, items []ArtistInput) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range items {
		batch.Queue(`
			INSERT INTO artists (id, provider_id, name, image_url)
			VALUES (gen_random_uuid()::text, $1, $2, $3)
			ON CONFLICT (provider_id) DO NOTHING`, a.ProviderID, a.Name, a.ImageURL)
	}
	return runBatch(ctx, r.Pool, batch, len(items), "upsert artists")
}

func (r *Repository) UpsertAlbums(ctx context.Context, items []AlbumInput) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range items {
		batch.Queue(`
			INSERT INTO albums (id, provider_id, name, image_url)
			VALUES (gen_random_uuid()::text, $1, $2, $3)
			ON CONFLICT (provider_id) DO NOTHING`, a.ProviderID, a.Name, a.ImageURL)
	}
	return runBatch(ctx, r.Pool, batch, len(items), "upsert albums")
}

func (r *Repository) UpsertTracks(ctx context.Context, items []TrackInput) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range items {
		batch.Queue(`
			INSERT INTO tracks (id, provider_id, name, duration_ms, preview_url, album_id)
			VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
			ON CONFLICT (provider_id) DO NOTHING`, t.ProviderID, t.Name, t.DurationMs, t.PreviewURL, t.AlbumID)
	}
	return runBatch(ctx, r.Pool, batch, len(items), "upsert tracks")
}

func (r *Repository) UpsertTrackArtists(ctx context.Context, pairs []TrackArtistPair) error {
	if len(pairs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range pairs {
		batch.Queue(`
			INSERT INTO track_artists (track_id, artist_id)
			VALUES ($1, $2)
			ON CONFLICT (track_id, artist_id) DO NOTHING`, p.TrackID, p.ArtistID)
	}
	return runBatch(ctx, r.Pool, batch, len(pairs), "upsert track_artists")
}

func (r *Repository) SelectArtistIDs(ctx context.Context, providerIDs []string) (map[string]string, error) {
	return selectIDsByProviderID(ctx, r.Pool, "artists", providerIDs)
}

func (r *Repository) SelectAlbumIDs(ctx context.Context, providerIDs []string) (map[string]string, error) {
	return selectIDsByProviderID(ctx, r.Pool, "albums", providerIDs)
}

func (r *Repository) SelectTrackIDs(ctx context.Context, providerIDs []string) (map[string]string, error) {
	return selectIDsByProviderID(ctx, r.Pool, "tracks", providerIDs)
}

// ArtistsMissingImage returns the subset of providerIDs whose artist row
// currently has no image, for C6's artist-metadata enrichment side effect.
func (r *Repository) ArtistsMissingImage(ctx context.Context, providerIDs []string) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT provider_id FROM artists
		WHERE provider_id = ANY($1) AND image_url IS NULL`, providerIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: artists missing image: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// UpdateArtistImage patches in an image fetched after the fact by the
// artist-metadata enrichment worker (C6 side effect); a no-op if the
// artist row no longer exists or already has an image.
func (r *Repository) UpdateArtistImage(ctx context.Context, providerID, imageURL string) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE artists SET image_url = $2
		WHERE provider_id = $1 AND image_url IS NULL`, providerID, imageURL)
	if err != nil {
		return fmt.Errorf("repository: update artist image: %w", err)
	}
	return nil
}

func selectIDsByProviderID(ctx context.Context, pool interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, table string, providerIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(providerIDs))
	if len(providerIDs) == 0 {
		return out, nil
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(
		`SELECT provider_id, id FROM %s WHERE provider_id = ANY($1)`, table), providerIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: select %s ids: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var providerID, id string
		if err := rows.Scan(&providerID, &id); err != nil {
			return nil, fmt.Errorf("repository: scan %s id: %w", table, err)
		}
		out[providerID] = id
	}
	return out, rows.Err()
}

func runBatch(ctx context.Context, pool interface {
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}, batch *pgx.Batch, n int, op string) error {
	br := pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository: %s (item %d): %w", op, i, err)
		}
	}
	return nil
}
