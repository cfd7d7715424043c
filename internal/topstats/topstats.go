// Package topstats implements the top-N refresher (C9, §4.9): an atomic
// per-user rebuild of the top-50 tracks/artists across three time windows.
// The fetch phase fans out across six independent provider calls with
// golang.org/x/sync/errgroup (all-or-nothing, same as internal/aggregate);
// the commit phase is a single transaction with a row lock, grounded on
// the teacher's internal/repository/postgres_leasing.go
// AdvanceCheckpointSafe, which already serializes a state transition
// behind a row-level lock inside one transaction.
package topstats

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kvass-analytics/ingestor/internal/catalog"
	"github.com/kvass-analytics/ingestor/internal/middleware"
	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/tokens"
)

const (
	topServiceKey        = "top"
	maxRank              = 50
	commitTimeout        = 30 * time.Second
	lazyRefreshJitterMax = 4 * time.Hour
	cachedTrackTTL       = 1 * time.Hour
)

var terms = []models.Term{models.TermShort, models.TermMedium, models.TermLong}

var termToProvider = map[models.Term]provider.Term{
	models.TermShort:  provider.TermShort,
	models.TermMedium: provider.TermMedium,
	models.TermLong:   provider.TermLong,
}

// RefreshJob is the queue payload for a top-stats refresh.
type RefreshJob struct {
	UserID string `json:"user_id"`
}

type Refresher struct {
	repo     *repository.Repository
	tokens   *tokens.Manager
	pipeline *middleware.Pipeline
	client   *provider.Client
	catalog  *catalog.Upserter
	queue    *queue.Queue
}

func New(repo *repository.Repository, tokenMgr *tokens.Manager, pipeline *middleware.Pipeline,
	client *provider.Client, catalogUpserter *catalog.Upserter, refreshQueue *queue.Queue) *Refresher {
	return &Refresher{repo: repo, tokens: tokenMgr, pipeline: pipeline, client: client, catalog: catalogUpserter, queue: refreshQueue}
}

type termResult struct {
	term    models.Term
	tracks  *provider.TopTracksPage
	artists *provider.TopArtistsPage
}

// Refresh runs the full three-phase rebuild for one user.
func (r *Refresher) Refresh(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	accessToken, err := r.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("topstats: get access token: %w", err)
	}

	results, err := r.fetchAll(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("topstats: fetch: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	resolved, err := r.upsertCatalog(ctx, results)
	if err != nil {
		return fmt.Errorf("topstats: catalog: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	entries := buildTopEntries(userID, results, resolved)

	commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := r.repo.RefreshTopEntries(commitCtx, userID, entries); err != nil {
		return fmt.Errorf("topstats: commit: %w", err)
	}
	return nil
}

// fetchAll issues the six provider calls (3 terms x {tracks, artists}) in
// parallel; any single failure aborts the whole refresh before anything
// is mutated (§4.9 phase 1).
func (r *Refresher) fetchAll(ctx context.Context, accessToken string) ([]termResult, error) {
	results := make([]termResult, len(terms))
	g, gctx := errgroup.WithContext(ctx)

	for i, term := range terms {
		i := i
		results[i].term = term
		providerTerm := termToProvider[term]
		g.Go(func() error {
			var page *provider.TopTracksPage
			err := r.pipeline.Do(gctx, topServiceKey, func(ctx context.Context) error {
				p, err := r.client.TopTracks(ctx, accessToken, providerTerm, maxRank)
				if err != nil {
					return err
				}
				page = p
				return nil
			})
			if err != nil {
				return err
			}
			results[i].tracks = page
			return nil
		})
		g.Go(func() error {
			var page *provider.TopArtistsPage
			err := r.pipeline.Do(gctx, topServiceKey, func(ctx context.Context) error {
				p, err := r.client.TopArtists(ctx, accessToken, providerTerm, maxRank)
				if err != nil {
					return err
				}
				page = p
				return nil
			})
			if err != nil {
				return err
			}
			results[i].artists = page
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Refresher) upsertCatalog(ctx context.Context, results []termResult) (*catalog.Resolved, error) {
	var tracks []provider.RawTrack
	artistByID := make(map[string]provider.RawArtist)
	for _, res := range results {
		if res.tracks != nil {
			tracks = append(tracks, res.tracks.Items...)
		}
		if res.artists != nil {
			for _, a := range res.artists.Items {
				artistByID[a.ProviderID] = a
			}
		}
	}

	resolved, err := r.catalog.UpsertTracks(ctx, tracks)
	if err != nil {
		return nil, err
	}
	if len(artistByID) > 0 {
		standalone := make([]provider.RawArtist, 0, len(artistByID))
		for _, a := range artistByID {
			standalone = append(standalone, a)
		}
		artistIDs, err := r.catalog.UpsertArtists(ctx, standalone)
		if err != nil {
			return nil, err
		}
		for providerID, internalID := range artistIDs {
			resolved.ArtistIDs[providerID] = internalID
		}
	}
	return resolved, nil
}

// buildTopEntries assigns contiguous 1-based ranks per (term, kind): an
// item the catalog pass could not resolve is skipped without leaving a
// gap, so each stored sequence is always exactly 1..k (I4). The track and
// artist lists of one term rank independently, which is why kind is part
// of every entry's key.
func buildTopEntries(userID string, results []termResult, resolved *catalog.Resolved) []models.TopEntry {
	var entries []models.TopEntry
	for _, res := range results {
		if res.tracks != nil {
			rank := 0
			for _, t := range res.tracks.Items {
				internalID, ok := resolved.TrackIDs[t.ProviderID]
				if !ok {
					continue
				}
				rank++
				if rank > maxRank {
					break
				}
				entries = append(entries, models.TopEntry{
					UserID: userID, Term: res.term, Kind: models.TopKindTrack, Rank: rank, TrackID: &internalID,
				})
			}
		}
		if res.artists != nil {
			rank := 0
			for _, a := range res.artists.Items {
				internalID, ok := resolved.ArtistIDs[a.ProviderID]
				if !ok {
					continue
				}
				rank++
				if rank > maxRank {
					break
				}
				entries = append(entries, models.TopEntry{
					UserID: userID, Term: res.term, Kind: models.TopKindArtist, Rank: rank, ArtistID: &internalID,
				})
			}
		}
	}
	return entries
}

// NeedsRefresh implements the §4.9 tiering/staleness rule.
func NeedsRefresh(user *models.User) bool {
	if user.TopStatsRefreshedAt == nil {
		return true
	}
	age := time.Since(*user.TopStatsRefreshedAt)
	switch tierOf(user) {
	case repository.Tier1:
		return age >= 24*time.Hour
	case repository.Tier2:
		return age >= 72*time.Hour
	default:
		return age >= 24*time.Hour
	}
}

func tierOf(user *models.User) repository.Tier {
	if user.LastLoginAt == nil {
		return repository.Tier3
	}
	age := time.Since(*user.LastLoginAt)
	switch {
	case age <= 48*time.Hour:
		return repository.Tier1
	case age <= 7*24*time.Hour:
		return repository.Tier2
	default:
		return repository.Tier3
	}
}

// TriggerLazyRefreshIfStale enqueues a high-priority refresh (one pending
// per user, via a natural jobId) if needed, and never blocks the caller.
func (r *Refresher) TriggerLazyRefreshIfStale(ctx context.Context, userID string) error {
	user, err := r.repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("topstats: load user for lazy refresh: %w", err)
	}
	if !NeedsRefresh(user) {
		return nil
	}
	_, err = r.queue.Add(ctx, "refresh-top-stats", RefreshJob{UserID: userID}, queue.AddOptions{
		JobID:    "top-stats:" + userID,
		Priority: 10,
	})
	if err != nil {
		return fmt.Errorf("topstats: enqueue lazy refresh: %w", err)
	}
	return nil
}

// EnsureTopTracksCached synchronously refreshes if the cache is older
// than cachedTrackTTL, used by the playlist builder's top50 method so it
// never builds a playlist off a stale snapshot (§4.9, §4.10).
func (r *Refresher) EnsureTopTracksCached(ctx context.Context, userID string) error {
	user, err := r.repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("topstats: load user: %w", err)
	}
	if user.TopStatsRefreshedAt != nil && time.Since(*user.TopStatsRefreshedAt) < cachedTrackTTL {
		return nil
	}
	return r.Refresh(ctx, userID)
}

// SeedTierJitter returns a random delay up to lazyRefreshJitterMax, used
// by the scheduler's seed-top-stats op to avoid a thundering herd (§4.11).
func SeedTierJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(lazyRefreshJitterMax)))
}
