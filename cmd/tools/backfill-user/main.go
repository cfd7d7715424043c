// Command backfill-user re-runs C7 ingestion for a single user from
// after=0, for onboarding a user whose provider history needs a full pull
// rather than the sliding-cursor path. Mirrors the teacher's
// cmd/tools/backfill_* family: flag-driven one-shot, own repo/store/queue
// connections, no process-wide wiring.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/kvass-analytics/ingestor/internal/config"
	"github.com/kvass-analytics/ingestor/internal/ingest"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/store"
)

func main() {
	var userID string
	flag.StringVar(&userID, "user", "", "internal user id to backfill (required)")
	flag.Parse()

	if userID == "" {
		log.Fatal("backfill-user: -user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("backfill-user: config: %v", err)
	}

	ctx := context.Background()

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("backfill-user: repository: %v", err)
	}
	defer repo.Close()

	st, err := store.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("backfill-user: store: %v", err)
	}

	if _, err := repo.GetUser(ctx, userID); err != nil {
		log.Fatalf("backfill-user: user %s not found: %v", userID, err)
	}

	if err := repo.ResetIngestionCursor(ctx, userID); err != nil {
		log.Fatalf("backfill-user: reset cursor: %v", err)
	}

	syncQueue := queue.New(st.Client(), "sync")
	jobID, err := syncQueue.Add(ctx, "sync-user", ingest.SyncUserJob{
		UserID:       userID,
		SkipCooldown: true,
	}, queue.AddOptions{JobID: "backfill:" + userID})
	if err != nil {
		log.Fatalf("backfill-user: enqueue sync job: %v", err)
	}

	log.Printf("backfill-user: cursor reset and sync job %s enqueued for user %s", jobID, userID)
}
