// Package catalog implements deduplicated bulk upserts of artists, albums,
// and tracks (C6, §4.6): collect unique provider ids across a batch,
// createMany-skip-duplicates each entity type, re-select to learn internal
// ids, then join tracks to artists. Grounded on the teacher's
// internal/repository/postgres_ingest.go SaveBatch/UpsertTokenTransfers,
// which already does "bulk insert, skip duplicates, re-select by natural
// key" for a different entity shape.
package catalog

import (
	"context"
	"fmt"

	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/repository"
)

// Resolved is the providerId -> internalId maps a caller needs after a
// batch is upserted, so it can reference tracks/artists by internal id.
type Resolved struct {
	ArtistIDs map[string]string
	AlbumIDs  map[string]string
	TrackIDs  map[string]string
}

// Upserter owns the catalog upsert path and the side-effect queue for
// artist-metadata enrichment.
type Upserter struct {
	repo  *repository.Repository
	queue *queue.Queue // artist-metadata enrichment queue (C11 consumer)
}

func New(repo *repository.Repository, metadataQueue *queue.Queue) *Upserter {
	return &Upserter{repo: repo, queue: metadataQueue}
}

// UpsertTracks is the common entry point: given a batch of raw tracks
// (with embedded album/artists), upsert every referenced entity and
// return the provider-id -> internal-id maps. The per-batch dedup maps
// below are local to this call and discarded when it returns (§4.6
// ownership: these maps belong exclusively to the worker processing this
// batch).
func (u *Upserter) UpsertTracks(ctx context.Context, tracks []provider.RawTrack) (*Resolved, error) {
	artistByID := make(map[string]provider.RawArtist)
	albumByID := make(map[string]provider.RawAlbum)
	trackByID := make(map[string]provider.RawTrack)

	for _, t := range tracks {
		trackByID[t.ProviderID] = t
		for _, a := range t.Artists {
			artistByID[a.ProviderID] = a
		}
		if t.Album != nil {
			albumByID[t.Album.ProviderID] = *t.Album
		}
	}

	return u.upsert(ctx, artistByID, albumByID, trackByID)
}

// UpsertArtists upserts a standalone batch of artists (top-artists pages
// carry no track/album payload).
func (u *Upserter) UpsertArtists(ctx context.Context, artists []provider.RawArtist) (map[string]string, error) {
	artistByID := make(map[string]provider.RawArtist, len(artists))
	for _, a := range artists {
		artistByID[a.ProviderID] = a
	}
	resolved, err := u.upsert(ctx, artistByID, nil, nil)
	if err != nil {
		return nil, err
	}
	return resolved.ArtistIDs, nil
}

func (u *Upserter) upsert(ctx context.Context,
	artistByID map[string]provider.RawArtist,
	albumByID map[string]provider.RawAlbum,
	trackByID map[string]provider.RawTrack,
) (*Resolved, error) {
	artistIns := make([]repository.ArtistInput, 0, len(artistByID))
	artistProviderIDs := make([]string, 0, len(artistByID))
	for id, a := range artistByID {
		artistIns = append(artistIns, repository.ArtistInput{ProviderID: id, Name: a.Name, ImageURL: a.ImageURL})
		artistProviderIDs = append(artistProviderIDs, id)
	}
	if err := u.repo.UpsertArtists(ctx, artistIns); err != nil {
		return nil, fmt.Errorf("catalog: upsert artists: %w", err)
	}

	albumIns := make([]repository.AlbumInput, 0, len(albumByID))
	albumProviderIDs := make([]string, 0, len(albumByID))
	for id, a := range albumByID {
		albumIns = append(albumIns, repository.AlbumInput{ProviderID: id, Name: a.Name, ImageURL: a.ImageURL})
		albumProviderIDs = append(albumProviderIDs, id)
	}
	if err := u.repo.UpsertAlbums(ctx, albumIns); err != nil {
		return nil, fmt.Errorf("catalog: upsert albums: %w", err)
	}

	artistIDs, err := u.repo.SelectArtistIDs(ctx, artistProviderIDs)
	if err != nil {
		return nil, fmt.Errorf("catalog: select artist ids: %w", err)
	}
	albumIDs, err := u.repo.SelectAlbumIDs(ctx, albumProviderIDs)
	if err != nil {
		return nil, fmt.Errorf("catalog: select album ids: %w", err)
	}

	trackIns := make([]repository.TrackInput, 0, len(trackByID))
	trackProviderIDs := make([]string, 0, len(trackByID))
	for id, t := range trackByID {
		var albumInternalID *string
		if t.Album != nil {
			if internalID, ok := albumIDs[t.Album.ProviderID]; ok {
				albumInternalID = &internalID
			}
		}
		trackIns = append(trackIns, repository.TrackInput{
			ProviderID: id, Name: t.Name, DurationMs: t.DurationMs,
			PreviewURL: t.PreviewURL, AlbumID: albumInternalID,
		})
		trackProviderIDs = append(trackProviderIDs, id)
	}
	if err := u.repo.UpsertTracks(ctx, trackIns); err != nil {
		return nil, fmt.Errorf("catalog: upsert tracks: %w", err)
	}

	trackIDs, err := u.repo.SelectTrackIDs(ctx, trackProviderIDs)
	if err != nil {
		return nil, fmt.Errorf("catalog: select track ids: %w", err)
	}

	var pairs []repository.TrackArtistPair
	for id, t := range trackByID {
		trackInternalID, ok := trackIDs[id]
		if !ok {
			continue
		}
		for _, a := range t.Artists {
			if artistInternalID, ok := artistIDs[a.ProviderID]; ok {
				pairs = append(pairs, repository.TrackArtistPair{TrackID: trackInternalID, ArtistID: artistInternalID})
			}
		}
	}
	if err := u.repo.UpsertTrackArtists(ctx, pairs); err != nil {
		return nil, fmt.Errorf("catalog: upsert track artists: %w", err)
	}

	if u.queue != nil && len(artistProviderIDs) > 0 {
		if err := u.enqueueMissingImageArtists(ctx, artistProviderIDs); err != nil {
			return nil, err
		}
	}

	return &Resolved{ArtistIDs: artistIDs, AlbumIDs: albumIDs, TrackIDs: trackIDs}, nil
}

// artistMetadataPayload is the job body for the artist-metadata
// enrichment queue consumed by a background worker wired in cmd/server.
type artistMetadataPayload struct {
	ArtistProviderID string `json:"artist_provider_id"`
}

// enqueueMissingImageArtists is the catalog path's sole non-idempotent
// step (§4.6): it is safe under retries because the queue's natural-key
// dedup (jobId = provider id) makes re-enqueuing a set-append, not a
// duplicate job.
func (u *Upserter) enqueueMissingImageArtists(ctx context.Context, providerIDs []string) error {
	missing, err := u.repo.ArtistsMissingImage(ctx, providerIDs)
	if err != nil {
		return fmt.Errorf("catalog: find artists missing image: %w", err)
	}
	for _, providerID := range missing {
		opts := queue.AddOptions{JobID: "enrich-artist:" + providerID}
		_, err := u.queue.Add(ctx, "enrich-artist", artistMetadataPayload{ArtistProviderID: providerID}, opts)
		if err != nil {
			return fmt.Errorf("catalog: enqueue artist enrichment %s: %w", providerID, err)
		}
	}
	return nil
}
