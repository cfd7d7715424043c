// Command repair-top-entries scans for users whose top_entries rank
// sequence violates I4 (ranks must be a contiguous 1..k run with no gaps
// or duplicates) and re-enqueues a refresh job for each. Mirrors the
// teacher's repair_indexing_anomalies: a one-shot scan-and-reconcile tool,
// not a long-running service.
package main

import (
	"context"
	"log"

	"github.com/kvass-analytics/ingestor/internal/config"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/store"
	"github.com/kvass-analytics/ingestor/internal/topstats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("repair-top-entries: config: %v", err)
	}

	ctx := context.Background()

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("repair-top-entries: repository: %v", err)
	}
	defer repo.Close()

	st, err := store.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("repair-top-entries: store: %v", err)
	}

	anomalies, err := repo.FindTopEntryAnomalies(ctx)
	if err != nil {
		log.Fatalf("repair-top-entries: scan: %v", err)
	}
	if len(anomalies) == 0 {
		log.Println("repair-top-entries: no rank anomalies found")
		return
	}
	log.Printf("repair-top-entries: found %d anomalous (user, term, kind) groups", len(anomalies))

	topQueue := queue.New(st.Client(), "top-stats")

	seen := make(map[string]bool, len(anomalies))
	repaired := 0
	for _, a := range anomalies {
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true

		jobID, err := topQueue.Add(ctx, "refresh-top-stats", topstats.RefreshJob{UserID: a.UserID},
			queue.AddOptions{JobID: "repair:" + a.UserID})
		if err != nil {
			log.Printf("repair-top-entries: enqueue refresh for %s: %v", a.UserID, err)
			continue
		}
		log.Printf("repair-top-entries: enqueued refresh job %s for user %s (term=%s kind=%s)", jobID, a.UserID, a.Term, a.Kind)
		repaired++
	}

	log.Printf("repair-top-entries: enqueued %d refresh jobs", repaired)
}
