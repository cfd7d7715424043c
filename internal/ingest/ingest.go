// Package ingest implements the event ingestor (C7, §4.7): pull a user's
// most recent plays, resolve them against the catalog and storage, insert
// newly-seen plays into the partitioned listening_events table, advance
// the sync cursor, and feed the aggregator. Grounded on the teacher's
// internal/ingester/service.go polling-loop idiom (lookup -> fetch ->
// persist -> advance checkpoint), generalized from a blockchain cursor to
// a per-user millisecond play cursor.
package ingest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kvass-analytics/ingestor/internal/aggregate"
	"github.com/kvass-analytics/ingestor/internal/catalog"
	"github.com/kvass-analytics/ingestor/internal/middleware"
	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/tokens"
)

const (
	cooldown              = 5 * time.Minute
	pageSize              = 50
	maxFollowupIterations = 5
	followupMinDelay      = 1 * time.Second
	followupMaxDelay      = 6 * time.Second
	playerServiceKey      = "player"
)

// SyncUserJob is the queue payload that drives one ingest run.
type SyncUserJob struct {
	UserID       string `json:"user_id"`
	SkipCooldown bool   `json:"skip_cooldown"`
	Iteration    int    `json:"iteration"`
}

// Summary is what a sync run reports back.
type Summary struct {
	Added   int
	Skipped int
	Updated int
	Errors  int
}

type Ingestor struct {
	repo       *repository.Repository
	tokens     *tokens.Manager
	pipeline   *middleware.Pipeline
	client     *provider.Client
	catalog    *catalog.Upserter
	aggregator *aggregate.Aggregator
	syncQueue  *queue.Queue
}

func New(repo *repository.Repository, tokenMgr *tokens.Manager, pipeline *middleware.Pipeline,
	client *provider.Client, catalogUpserter *catalog.Upserter, aggregator *aggregate.Aggregator, syncQueue *queue.Queue) *Ingestor {
	return &Ingestor{
		repo: repo, tokens: tokenMgr, pipeline: pipeline, client: client,
		catalog: catalogUpserter, aggregator: aggregator, syncQueue: syncQueue,
	}
}

// Sync runs one SyncUserJob to completion (§4.7).
func (i *Ingestor) Sync(ctx context.Context, job SyncUserJob) (Summary, error) {
	user, err := i.repo.GetUser(ctx, job.UserID)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: load user: %w", err)
	}
	settings, err := i.repo.GetSettings(ctx, job.UserID)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: load settings: %w", err)
	}

	var priorCursorMs int64
	if user.LastIngestedAt != nil {
		priorCursorMs = user.LastIngestedAt.UnixMilli()
	}

	if !job.SkipCooldown && user.LastIngestedAt != nil && time.Since(*user.LastIngestedAt) < cooldown {
		return Summary{}, nil
	}

	accessToken, err := i.tokens.GetValidAccessToken(ctx, job.UserID)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: get access token: %w", err)
	}

	var page *provider.RecentlyPlayedPage
	err = i.pipeline.Do(ctx, playerServiceKey, func(ctx context.Context) error {
		p, err := i.client.RecentlyPlayed(ctx, accessToken, priorCursorMs, pageSize)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: fetch recently played: %w", err)
	}

	if len(page.Items) == 0 {
		return Summary{}, nil
	}

	rawTracks := make([]provider.RawTrack, 0, len(page.Items))
	for _, item := range page.Items {
		rawTracks = append(rawTracks, item.Track)
	}
	resolved, err := i.catalog.UpsertTracks(ctx, rawTracks)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: catalog upsert: %w", err)
	}

	events := make([]models.ListeningEvent, 0, len(page.Items))
	trackArtists := make(map[string][]string, len(rawTracks))
	for _, t := range rawTracks {
		internalID, ok := resolved.TrackIDs[t.ProviderID]
		if !ok {
			continue
		}
		artistIDs := make([]string, 0, len(t.Artists))
		for _, a := range t.Artists {
			if id, ok := resolved.ArtistIDs[a.ProviderID]; ok {
				artistIDs = append(artistIDs, id)
			}
		}
		trackArtists[internalID] = artistIDs
	}

	for _, item := range page.Items {
		internalID, ok := resolved.TrackIDs[item.Track.ProviderID]
		if !ok {
			continue
		}
		events = append(events, models.ListeningEvent{
			UserID:      job.UserID,
			TrackID:     internalID,
			PlayedAt:    item.PlayedAt,
			MsPlayed:    item.Track.DurationMs,
			IsEstimated: true,
			Source:      models.SourceAPI,
		})
	}

	results, err := i.repo.InsertEvents(ctx, events)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: insert events: %w", err)
	}

	var summary Summary
	var maxAdded time.Time
	aggInputs := make([]aggregate.Input, 0, len(results))
	for idx, res := range results {
		switch res.Outcome {
		case repository.EventAdded:
			summary.Added++
			if res.PlayedAt.After(maxAdded) {
				maxAdded = res.PlayedAt
			}
			aggInputs = append(aggInputs, aggregate.Input{
				TrackID:   res.TrackID,
				ArtistIDs: trackArtists[res.TrackID],
				PlayedAt:  res.PlayedAt,
				MsPlayed:  events[idx].MsPlayed,
			})
		case repository.EventUpdated:
			summary.Updated++
		default:
			summary.Skipped++
		}
	}

	if len(aggInputs) > 0 {
		if err := i.aggregator.Apply(ctx, job.UserID, aggInputs, settings.Timezone); err != nil {
			return summary, fmt.Errorf("ingest: aggregate: %w", err)
		}
	}

	if !maxAdded.IsZero() {
		if err := i.repo.UpdateLastIngestedAt(ctx, job.UserID, maxAdded); err != nil {
			return summary, fmt.Errorf("ingest: advance cursor: %w", err)
		}
	}

	if i.shouldFollowUp(page, priorCursorMs, job.Iteration) {
		delay := followupMinDelay + time.Duration(rand.Int64N(int64(followupMaxDelay-followupMinDelay)))
		_, err := i.syncQueue.Add(ctx, "sync-user", SyncUserJob{
			UserID: job.UserID, SkipCooldown: true, Iteration: job.Iteration + 1,
		}, queue.AddOptions{Delay: delay})
		if err != nil {
			return summary, fmt.Errorf("ingest: enqueue follow-up: %w", err)
		}
	}

	return summary, nil
}

// shouldFollowUp implements the §4.7 follow-up policy: a full page whose
// oldest item is still newer than the prior cursor means there is more
// backlog to drain, bounded at maxFollowupIterations.
func (i *Ingestor) shouldFollowUp(page *provider.RecentlyPlayedPage, priorCursorMs int64, iteration int) bool {
	if len(page.Items) < pageSize {
		return false
	}
	if iteration >= maxFollowupIterations {
		return false
	}
	oldest := page.Items[len(page.Items)-1]
	return oldest.PlayedAt.UnixMilli() > priorCursorMs
}
