// Command server is the process entrypoint: it wires every internal
// package into a running service (HTTP API plus background workers) and
// follows the teacher's main.go shape — env-driven config, dependencies
// constructed top to bottom, workers launched into a shared
// sync.WaitGroup, SIGINT/SIGTERM triggers an orderly shutdown.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kvass-analytics/ingestor/internal/aggregate"
	"github.com/kvass-analytics/ingestor/internal/api"
	"github.com/kvass-analytics/ingestor/internal/breaker"
	"github.com/kvass-analytics/ingestor/internal/catalog"
	"github.com/kvass-analytics/ingestor/internal/config"
	"github.com/kvass-analytics/ingestor/internal/ingest"
	"github.com/kvass-analytics/ingestor/internal/middleware"
	"github.com/kvass-analytics/ingestor/internal/playlist"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/ratelimit"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/scheduler"
	"github.com/kvass-analytics/ingestor/internal/store"
	"github.com/kvass-analytics/ingestor/internal/tokens"
	"github.com/kvass-analytics/ingestor/internal/topstats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	tuning, err := config.LoadTuning(cfg.TuningPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Println("starting ingestor")
	log.Printf("http port: %s, env: %s", cfg.HTTPPort, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("repository: %v", err)
	}
	defer repo.Close()

	st, err := store.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	providerClient := provider.New("https://api.music-provider.example/v1")
	providerClient.SetTokenURL("https://accounts.music-provider.example/api/token")

	limiter := ratelimit.New(ratelimit.Config{
		InitialRate:            tuning.RateLimiter.InitialRate,
		MinRate:                tuning.RateLimiter.MinRate,
		BurstCapacity:          tuning.RateLimiter.BurstCapacity,
		RecoveryFactor:         tuning.RateLimiter.RecoveryFactor,
		SuccessStreakThreshold: tuning.RateLimiter.SuccessStreakThreshold,
	})
	breakerTable := breaker.NewTable()
	pipeline := middleware.New(limiter, breakerTable)

	refreshKey := refreshTokenKey(cfg.RefreshTokenKeyHex, cfg.HMACSecret)
	tokenMgr := tokens.New(providerClient, repo, refreshKey, cfg.ProviderClientID, cfg.ProviderClientSecret)

	syncQueue := queue.New(st.Client(), "sync")
	topQueue := queue.New(st.Client(), "top-stats")
	playlistQueue := queue.New(st.Client(), "playlist")
	artistQueue := queue.New(st.Client(), "artist-metadata")

	catalogUpserter := catalog.New(repo, artistQueue)
	aggregator := aggregate.New(repo)
	ingestor := ingest.New(repo, tokenMgr, pipeline, providerClient, catalogUpserter, aggregator, syncQueue)
	refresher := topstats.New(repo, tokenMgr, pipeline, providerClient, catalogUpserter, topQueue)
	playlistBuilder := playlist.New(repo, st, playlistQueue, pipeline, providerClient, tokenMgr, refresher)

	lockOwner := uuid.NewString()
	sched := scheduler.New(repo, st, syncQueue, topQueue, lockOwner)

	sessionAuth := api.NewSessionAuth(cfg.HMACSecret)
	apiServer := api.New(repo, playlistBuilder, refresher, sched, sessionAuth, cfg.HMACSecret, cfg.CronSecret)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: apiServer.Router(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("api listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server: %v", err)
		}
	}()

	var workerWG sync.WaitGroup
	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		runSyncWorkers(ctx, syncQueue, repo, ingestor, tuning.Workers.SyncConcurrency)
	}()

	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		runTopStatsWorkers(ctx, topQueue, repo, refresher, tuning.Workers.TopStatsConcurrency)
	}()

	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		runPlaylistWorkers(ctx, playlistQueue, repo, playlistBuilder, tuning.Workers.PlaylistConcurrency)
	}()

	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		runArtistMetadataWorker(ctx, artistQueue, repo, providerClient, cfg.ProviderClientID, cfg.ProviderClientSecret)
	}()

	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		runStaleJobReaper(ctx, playlistBuilder)
	}()

	<-sigChan
	log.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()
	workerWG.Wait()
}

// refreshTokenKey resolves the secretbox key that protects refresh tokens
// at rest. REFRESH_TOKEN_KEY, when set, must be a 64-char hex string; when
// it is unset the key is derived from HMACSecret, in every environment, so a
// single env var is enough to get a working local stack.
func refreshTokenKey(hexKey, hmacSecret string) [32]byte {
	if hexKey != "" {
		raw, err := hex.DecodeString(hexKey)
		if err == nil && len(raw) == 32 {
			var key [32]byte
			copy(key[:], raw)
			return key
		}
		log.Fatalf("REFRESH_TOKEN_KEY must be 64 hex characters (32 bytes)")
	}
	return sha256.Sum256([]byte("refresh-token-key:" + hmacSecret))
}

// runSyncWorkers polls the sync queue with N concurrent pollers, matching
// the teacher's AsyncWorker.Start(ctx) poll-loop idiom.
func runSyncWorkers(ctx context.Context, q *queue.Queue, repo *repository.Repository, ingestor *ingest.Ingestor, concurrency int) {
	var inner sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		inner.Add(1)
		go func() {
			defer inner.Done()
			pollLoop(ctx, q, repo, func(ctx context.Context, job *queue.Job) error {
				var payload ingest.SyncUserJob
				if err := json.Unmarshal(job.Payload, &payload); err != nil {
					return err
				}
				_, err := ingestor.Sync(ctx, payload)
				return err
			})
		}()
	}
	inner.Wait()
}

func runTopStatsWorkers(ctx context.Context, q *queue.Queue, repo *repository.Repository, refresher *topstats.Refresher, concurrency int) {
	var inner sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		inner.Add(1)
		go func() {
			defer inner.Done()
			pollLoop(ctx, q, repo, func(ctx context.Context, job *queue.Job) error {
				var payload topstats.RefreshJob
				if err := json.Unmarshal(job.Payload, &payload); err != nil {
					return err
				}
				return refresher.Refresh(ctx, payload.UserID)
			})
		}()
	}
	inner.Wait()
}

// runPlaylistWorkers caps the pool at 10 jobs/min across its workers on
// top of the per-user admission control, since every playlist job fans
// out into many provider calls.
func runPlaylistWorkers(ctx context.Context, q *queue.Queue, repo *repository.Repository, builder *playlist.Builder, concurrency int) {
	jobLimiter := rate.NewLimiter(rate.Every(6*time.Second), 1)
	var inner sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		inner.Add(1)
		go func() {
			defer inner.Done()
			pollLoop(ctx, q, repo, func(ctx context.Context, job *queue.Job) error {
				if err := jobLimiter.Wait(ctx); err != nil {
					return err
				}
				return builder.Process(ctx, job.ID)
			})
		}()
	}
	inner.Wait()
}

// runArtistMetadataWorker drains the enrich-artist queue with a single
// poller: image backfill is low volume and non-urgent (§4.6), so it does
// not need the same concurrency as the user-facing queues.
func runArtistMetadataWorker(ctx context.Context, q *queue.Queue, repo *repository.Repository,
	client *provider.Client, clientID, clientSecret string) {
	pollLoop(ctx, q, repo, func(ctx context.Context, job *queue.Job) error {
		var payload struct {
			ArtistProviderID string `json:"artist_provider_id"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		tok, err := client.ClientCredentials(ctx, clientID, clientSecret)
		if err != nil {
			return err
		}
		artists, err := client.BatchArtists(ctx, tok.AccessToken, []string{payload.ArtistProviderID})
		if err != nil {
			return err
		}
		for _, a := range artists {
			if a.ImageURL == nil {
				continue
			}
			if err := repo.UpdateArtistImage(ctx, a.ProviderID, *a.ImageURL); err != nil {
				return err
			}
		}
		return nil
	})
}

// jobUserID best-effort extracts a user id from a job payload for error
// logging; every queue payload in this system carries either "user_id" or
// (playlist and artist-metadata jobs) no direct user field on the job itself, in which case the
// job id is logged instead so the failure is still traceable.
func jobUserID(job *queue.Job) string {
	var withUserID struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(job.Payload, &withUserID); err == nil && withUserID.UserID != "" {
		return withUserID.UserID
	}
	return job.ID
}

// runStaleJobReaper sweeps playlist jobs whose worker heartbeat has gone
// silent (§4.10 "stale reaper"), on the same 1-minute cadence the teacher
// uses for its own periodic maintenance tickers.
func runStaleJobReaper(ctx context.Context, builder *playlist.Builder) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := builder.ReapStale(ctx); err != nil {
				log.Printf("worker: reap stale playlist jobs: %v", err)
			} else if n > 0 {
				log.Printf("worker: reaped %d stale playlist jobs", n)
			}
		}
	}
}

// pollLoop is the shared queue consumer shape: reserve, run, complete or
// fail, sleeping briefly on an empty queue rather than busy-spinning. A
// failure is logged to ingestion_errors before the job is requeued, since
// queue.Fail's retry/backoff swallows the error otherwise (§10).
func pollLoop(ctx context.Context, q *queue.Queue, repo *repository.Repository, handle func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.Reserve(ctx)
		if err != nil {
			log.Printf("worker: reserve job from %s: %v", "queue", err)
			time.Sleep(1 * time.Second)
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err = handle(jobCtx, job)
		cancel()

		if errors.Is(err, queue.ErrDeferred) {
			continue
		}
		if err != nil {
			log.Printf("worker: job %s (%s) failed: %v", job.ID, job.Name, err)
			if logErr := repo.LogIngestionError(ctx, job.Name, jobUserID(job), err.Error()); logErr != nil {
				log.Printf("worker: log ingestion error for job %s: %v", job.ID, logErr)
			}
			if failErr := q.Fail(ctx, job.ID, err); failErr != nil {
				log.Printf("worker: mark job %s failed: %v", job.ID, failErr)
			}
			continue
		}
		if err := q.Complete(ctx, job.ID); err != nil {
			log.Printf("worker: mark job %s complete: %v", job.ID, err)
		}
	}
}
