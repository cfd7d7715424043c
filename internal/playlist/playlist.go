// Package playlist implements the playlist builder (C10, §4.10): a
// long-running idempotent job that resolves tracks, creates (or reuses) a
// playlist on the provider, adds tracks in batches, optionally uploads a
// cover image, and reports itself complete or terminally failed. Worker
// leasing/heartbeat and the stale reaper follow the weak-reference
// pattern in the teacher's playlist/worker lease handling: the queue
// entry is disposable, the database row is the truth.
package playlist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kvass-analytics/ingestor/internal/middleware"
	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/store"
	"github.com/kvass-analytics/ingestor/internal/tokens"
	"github.com/kvass-analytics/ingestor/internal/topstats"
)

const (
	playlistServiceKey = "playlist"
	addBatchSize       = 100
	heartbeatInterval  = 30 * time.Second
	jobWallClock       = 5 * time.Minute
	staleAfter         = 5 * time.Minute
	pauseUntilKey      = "playlist_queue:pause_until"
)

// CreateParams is the method-specific request payload the confirmation
// token must match exactly (§4.10 step 1, §6).
type CreateParams struct {
	CreationMethod   models.CreationMethod
	Name             string
	IsPublic         bool
	SourcePlaylistID *string
	ShuffleMode      *string
	KValue           *int
	StartDate        *time.Time
	EndDate          *time.Time
	CoverImageBase64 *string
}

// Builder owns playlist creation and processing.
type Builder struct {
	repo     *repository.Repository
	store    *store.Store
	queue    *queue.Queue
	pipeline *middleware.Pipeline
	client   *provider.Client
	tokens   *tokens.Manager
	topstats *topstats.Refresher
}

func New(repo *repository.Repository, st *store.Store, playlistQueue *queue.Queue,
	pipeline *middleware.Pipeline, client *provider.Client, tokenMgr *tokens.Manager, refresher *topstats.Refresher) *Builder {
	return &Builder{
		repo: repo, store: st, queue: playlistQueue, pipeline: pipeline,
		client: client, tokens: tokenMgr, topstats: refresher,
	}
}

// CreateResult is what the HTTP creation handler returns to the client.
type CreateResult struct {
	JobID      string
	Idempotent bool
}

// ErrRateLimited signals admission control rejected the request (429).
var ErrRateLimited = errors.New("playlist: rate limit slot unavailable")

// CreateJob is the creation-path request handler body (§4.10): it assumes
// the caller has already verified the confirmation token and that the
// request's params match it exactly (§6, P7); confirmationToken is only
// used here to derive the idempotency key.
func (b *Builder) CreateJob(ctx context.Context, userID, confirmationToken string, params CreateParams) (*CreateResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	idempotencyKey := IdempotencyKey(confirmationToken)

	if existing, err := b.repo.GetPlaylistJobByIdempotencyKey(ctx, idempotencyKey); err == nil {
		return &CreateResult{JobID: existing.ID, Idempotent: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("playlist: check idempotency: %w", err)
	}

	granted, err := b.tryAcquireJobSlot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("playlist: admission control: %w", err)
	}
	if !granted {
		return nil, ErrRateLimited
	}

	job := &models.PlaylistJob{
		UserID: userID, IdempotencyKey: idempotencyKey, CreationMethod: params.CreationMethod,
		Name: params.Name, IsPublic: params.IsPublic, SourcePlaylistID: params.SourcePlaylistID,
		ShuffleMode: params.ShuffleMode, KValue: params.KValue, StartDate: params.StartDate,
		EndDate: params.EndDate, CoverImageBase64: params.CoverImageBase64,
	}
	if err := b.repo.CreatePlaylistJob(ctx, job); err != nil {
		b.releaseJobSlot(ctx, userID)
		return nil, fmt.Errorf("playlist: create job row: %w", err)
	}

	if _, err := b.queue.Add(ctx, "build-playlist", job.ID, queue.AddOptions{JobID: job.ID}); err != nil {
		return nil, fmt.Errorf("playlist: enqueue job: %w", err)
	}

	return &CreateResult{JobID: job.ID}, nil
}

// IdempotencyKey derives the job idempotency key from a confirmation
// token (§4.10 step 2): the first 32 hex characters of its SHA-256.
func IdempotencyKey(confirmationToken string) string {
	sum := sha256.Sum256([]byte(confirmationToken))
	return hex.EncodeToString(sum[:])[:32]
}

// Process runs the worker path for one job id to completion, failure, or
// a handled 429 reschedule (§4.10 "Worker path").
func (b *Builder) Process(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, jobWallClock)
	defer cancel()

	job, err := b.repo.GetPlaylistJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("playlist: load job: %w", err)
	}

	accessToken, err := b.tokens.GetValidAccessToken(ctx, job.UserID)
	if err != nil {
		return b.terminalFail(ctx, job, fmt.Sprintf("token error: %v", err))
	}

	stopHeartbeat := b.startHeartbeat(ctx, jobID)
	defer stopHeartbeat()

	if err := b.repo.MarkPlaylistJobStarted(ctx, jobID); err != nil {
		return fmt.Errorf("playlist: mark started: %w", err)
	}

	if job.SpotifyPlaylistID == nil {
		if err := b.repo.UpdatePlaylistJobStatus(ctx, jobID, models.PlaylistCreating); err != nil {
			return fmt.Errorf("playlist: mark creating: %w", err)
		}
	}

	uris, err := b.resolveTracks(ctx, accessToken, job)
	if err != nil {
		var tooFew *ErrTooFewTracks
		if errors.As(err, &tooFew) {
			return b.terminalFail(ctx, job, err.Error())
		}
		if handled, herr := b.handleIfRateLimited(ctx, job, err); handled {
			return herr
		}
		return b.terminalFail(ctx, job, fmt.Sprintf("resolve tracks: %v", err))
	}

	if err := b.repo.SetTotalTracks(ctx, jobID, len(uris)); err != nil {
		return fmt.Errorf("playlist: persist total tracks: %w", err)
	}

	if job.SpotifyPlaylistID == nil {
		user, err := b.repo.GetUser(ctx, job.UserID)
		if err != nil {
			return fmt.Errorf("playlist: load user: %w", err)
		}
		var created *provider.CreatedPlaylist
		err = b.pipeline.Do(ctx, playlistServiceKey, func(ctx context.Context) error {
			c, err := b.client.CreatePlaylist(ctx, accessToken, user.ProviderID, job.Name, job.IsPublic)
			if err != nil {
				return err
			}
			created = c
			return nil
		})
		if err != nil {
			if handled, herr := b.handleIfRateLimited(ctx, job, err); handled {
				return herr
			}
			return b.terminalFail(ctx, job, fmt.Sprintf("create playlist: %v", err))
		}
		if err := b.repo.SetPlaylistID(ctx, jobID, created.ProviderID, created.URL); err != nil {
			return fmt.Errorf("playlist: persist playlist id: %w", err)
		}
		job.SpotifyPlaylistID = &created.ProviderID
	}

	if err := b.repo.UpdatePlaylistJobStatus(ctx, jobID, models.PlaylistAddingTracks); err != nil {
		return fmt.Errorf("playlist: mark adding tracks: %w", err)
	}

	startBatch := job.AddedTracks / addBatchSize
	for i := startBatch * addBatchSize; i < len(uris); i += addBatchSize {
		end := i + addBatchSize
		if end > len(uris) {
			end = len(uris)
		}
		batch := uris[i:end]
		err := b.pipeline.Do(ctx, playlistServiceKey, func(ctx context.Context) error {
			return b.client.AddTracks(ctx, accessToken, *job.SpotifyPlaylistID, batch)
		})
		if err != nil {
			if handled, herr := b.handleIfRateLimited(ctx, job, err); handled {
				return herr
			}
			return b.terminalFail(ctx, job, fmt.Sprintf("add tracks: %v", err))
		}
		if err := b.repo.UpdateAddedTracks(ctx, jobID, end); err != nil {
			return fmt.Errorf("playlist: persist added tracks: %w", err)
		}
	}

	if job.CoverImageBase64 != nil {
		if err := b.repo.UpdatePlaylistJobStatus(ctx, jobID, models.PlaylistUploadingImg); err != nil {
			return fmt.Errorf("playlist: mark uploading image: %w", err)
		}
		err := b.pipeline.Do(ctx, playlistServiceKey, func(ctx context.Context) error {
			return b.client.UploadCoverImage(ctx, accessToken, *job.SpotifyPlaylistID, *job.CoverImageBase64)
		})
		if err != nil {
			if handled, herr := b.handleIfRateLimited(ctx, job, err); handled {
				return herr
			}
			return b.terminalFail(ctx, job, fmt.Sprintf("upload cover image: %v", err))
		}
	}

	b.releaseJobSlot(ctx, job.UserID)
	return b.repo.CompletePlaylistJob(ctx, jobID)
}

func (b *Builder) terminalFail(ctx context.Context, job *models.PlaylistJob, reason string) error {
	b.releaseJobSlot(ctx, job.UserID)
	return b.repo.FailPlaylistJob(ctx, job.ID, reason)
}

// handleIfRateLimited implements §4.10's 429 handling: bump the delay
// counter, publish the cross-worker pauseUntil if it supersedes the
// current one, pause the queue, reschedule this job, and return (not a
// failure).
func (b *Builder) handleIfRateLimited(ctx context.Context, job *models.PlaylistJob, err error) (bool, error) {
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindRateLimited {
		return false, nil
	}

	if incErr := b.repo.IncrementRateLimitDelays(ctx, job.ID); incErr != nil {
		return true, fmt.Errorf("playlist: record rate limit delay: %w", incErr)
	}

	retryAfter := time.Duration(perr.RetryAfterS) * time.Second
	pauseUntil := time.Now().Add(retryAfter).Unix()
	superseded, setErr := b.store.SetIfGreater(ctx, pauseUntilKey, pauseUntil)
	if setErr != nil {
		return true, fmt.Errorf("playlist: publish pause_until: %w", setErr)
	}
	if superseded {
		if pauseErr := b.queue.Pause(ctx); pauseErr != nil {
			return true, fmt.Errorf("playlist: pause queue: %w", pauseErr)
		}
		time.AfterFunc(retryAfter, func() {
			resumeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.resumeIfDue(resumeCtx)
		})
	}

	if reErr := b.queue.Reschedule(ctx, job.ID, retryAfter); reErr != nil {
		return true, fmt.Errorf("playlist: reschedule after rate limit: %w", reErr)
	}
	return true, queue.ErrDeferred
}

// resumeIfDue clears the cross-worker pause key and resumes the queue
// only if no later pauser has since superseded this one: the key holds the
// maximum published pauseUntil, so it only clears once now has passed it.
func (b *Builder) resumeIfDue(ctx context.Context) {
	cleared, err := b.store.DeleteIfLessEqual(ctx, pauseUntilKey, time.Now().Unix())
	if err != nil || !cleared {
		return
	}
	_ = b.queue.Resume(ctx)
}

func (b *Builder) startHeartbeat(ctx context.Context, jobID string) func() {
	ticker := time.NewTicker(heartbeatInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				_ = b.repo.Heartbeat(ctx, jobID)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// ReapStale moves jobs whose heartbeat has gone silent to FAILED (§4.10
// "Stale reaper").
func (b *Builder) ReapStale(ctx context.Context) (int, error) {
	ids, err := b.repo.StaleInProgressJobs(ctx, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("playlist: find stale jobs: %w", err)
	}
	for _, id := range ids {
		if err := b.repo.FailPlaylistJob(ctx, id, "stalled: no heartbeat within the reaper window"); err != nil {
			return 0, fmt.Errorf("playlist: fail stale job %s: %w", id, err)
		}
	}
	return len(ids), nil
}
