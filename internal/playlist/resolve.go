package playlist

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/provider"
)

const (
	minTracks       = 25
	maxTracks       = 10000
	recentMaxWindow = 365 * 24 * time.Hour
)

// ErrTooFewTracks is fatal (§4.10 step 2 validation): fewer than 25
// resolved tracks cannot make a meaningful playlist.
type ErrTooFewTracks struct{ Count int }

func (e *ErrTooFewTracks) Error() string {
	return fmt.Sprintf("playlist: resolved %d tracks, below the minimum of %d", e.Count, minTracks)
}

// resolveTracks dispatches to the method-specific resolver and enforces
// the shared count validation (<25 fatal, >10000 truncated).
func (b *Builder) resolveTracks(ctx context.Context, accessToken string, job *models.PlaylistJob) ([]string, error) {
	var uris []string
	var err error

	switch job.CreationMethod {
	case models.MethodShuffle:
		uris, err = b.resolveShuffle(ctx, accessToken, job)
	case models.MethodTop50Short:
		uris, err = b.resolveCachedTop(ctx, job.UserID, models.TermShort)
	case models.MethodTop50Medium:
		uris, err = b.resolveCachedTop(ctx, job.UserID, models.TermMedium)
	case models.MethodTop50Long:
		uris, err = b.resolveCachedTop(ctx, job.UserID, models.TermLong)
	case models.MethodTop50AllTime:
		uris, err = b.repo.TopTracksAllTimeProviderIDs(ctx, job.UserID, 50)
	case models.MethodTopKRecent:
		uris, err = b.resolveTopKRecent(ctx, job)
	default:
		return nil, fmt.Errorf("playlist: unknown creation method %q", job.CreationMethod)
	}
	if err != nil {
		return nil, err
	}

	if len(uris) < minTracks {
		return nil, &ErrTooFewTracks{Count: len(uris)}
	}
	if len(uris) > maxTracks {
		uris = uris[:maxTracks]
	}
	return uris, nil
}

func (b *Builder) resolveCachedTop(ctx context.Context, userID string, term models.Term) ([]string, error) {
	if err := b.topstats.EnsureTopTracksCached(ctx, userID); err != nil {
		return nil, fmt.Errorf("playlist: ensure top tracks cached: %w", err)
	}
	return b.repo.CachedTopTrackProviderIDs(ctx, userID, string(term))
}

func (b *Builder) resolveTopKRecent(ctx context.Context, job *models.PlaylistJob) ([]string, error) {
	k := 50
	if job.KValue != nil {
		k = *job.KValue
	}
	return b.repo.RecentDistinctTrackProviderIDs(ctx, job.UserID, k, k*3, recentMaxWindow)
}

// resolveShuffle paginates the source playlist, drops local files, and
// shuffles (Fisher-Yates, or "smart shuffle" when job.ShuffleMode is "smart").
func (b *Builder) resolveShuffle(ctx context.Context, accessToken string, job *models.PlaylistJob) ([]string, error) {
	if job.SourcePlaylistID == nil {
		return nil, fmt.Errorf("playlist: shuffle method requires sourcePlaylistId")
	}

	var tracks []provider.PlaylistTrackItem
	offset := 0
	for {
		var page *provider.PlaylistTracksPage
		err := b.pipeline.Do(ctx, playlistServiceKey, func(ctx context.Context) error {
			p, err := b.client.PlaylistTracks(ctx, accessToken, *job.SourcePlaylistID, offset, 100)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("playlist: fetch source playlist tracks: %w", err)
		}
		for _, item := range page.Items {
			if !item.IsLocal {
				tracks = append(tracks, item)
			}
		}
		if page.Next == nil || len(page.Items) == 0 {
			break
		}
		offset += 100
	}

	if job.ShuffleMode != nil && *job.ShuffleMode == "smart" {
		smartShuffle(tracks)
	} else {
		fisherYatesShuffle(tracks)
	}

	uris := make([]string, len(tracks))
	for i, t := range tracks {
		uris[i] = t.Track.ProviderID
	}
	return uris, nil
}

// fisherYatesShuffle performs an unbiased in-place shuffle.
func fisherYatesShuffle(items []provider.PlaylistTrackItem) {
	for i := len(items) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// smartShuffle runs Fisher-Yates then a single adjacent-duplicate-artist
// displacement pass: if two neighbors share an artist, the second is
// swapped forward with the next track that doesn't share an artist with
// either neighbor.
func smartShuffle(items []provider.PlaylistTrackItem) {
	fisherYatesShuffle(items)
	for i := 1; i < len(items); i++ {
		if !sharesArtist(items[i-1].Track, items[i].Track) {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if !sharesArtist(items[i-1].Track, items[j].Track) && !sharesArtist(items[i].Track, items[j].Track) {
				items[i], items[j] = items[j], items[i]
				break
			}
		}
	}
}

func sharesArtist(a, b provider.RawTrack) bool {
	for _, x := range a.Artists {
		for _, y := range b.Artists {
			if x.ProviderID == y.ProviderID {
				return true
			}
		}
	}
	return false
}
