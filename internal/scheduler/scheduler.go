// Package scheduler implements the periodic seeding/maintenance operations
// (C11, §4.11): seed-sync, seed-top-stats, manage-partitions, and
// cleanup-stale-imports. The process itself only exposes these as callable
// operations; the wall-clock trigger is external (an HTTP cron caller, see
// internal/api), matching §4.11 "driven externally."
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/kvass-analytics/ingestor/internal/ingest"
	"github.com/kvass-analytics/ingestor/internal/queue"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/store"
	"github.com/kvass-analytics/ingestor/internal/topstats"
)

const (
	syncLockKey         = "cron:sync:lock"
	syncLockTTL         = 240 * time.Second
	partitionsLookahead = 4
	staleImportAfter    = 5 * time.Minute
)

// Scheduler owns the seeding and maintenance operations and the shared
// queues/store handle they dispatch into.
type Scheduler struct {
	repo      *repository.Repository
	store     *store.Store
	syncQueue *queue.Queue
	topQueue  *queue.Queue
	lockOwner string
}

func New(repo *repository.Repository, st *store.Store, syncQueue, topQueue *queue.Queue, lockOwner string) *Scheduler {
	return &Scheduler{repo: repo, store: st, syncQueue: syncQueue, topQueue: topQueue, lockOwner: lockOwner}
}

// SeedSyncResult reports what one seed-sync invocation did.
type SeedSyncResult struct {
	LockAcquired bool
	Enqueued     int
}

// SeedSync enqueues a sync job for every eligible user (§4.11), guarded by
// a distributed lock so two cron callers firing close together don't
// double-enqueue an entire user base.
func (s *Scheduler) SeedSync(ctx context.Context) (SeedSyncResult, error) {
	acquired, err := s.store.AcquireLock(ctx, syncLockKey, s.lockOwner, syncLockTTL)
	if err != nil {
		return SeedSyncResult{}, fmt.Errorf("scheduler: acquire sync lock: %w", err)
	}
	if !acquired {
		return SeedSyncResult{LockAcquired: false}, nil
	}
	defer func() {
		_ = s.store.ReleaseLock(context.Background(), syncLockKey, s.lockOwner)
	}()

	userIDs, err := s.repo.EligibleForSync(ctx)
	if err != nil {
		return SeedSyncResult{LockAcquired: true}, fmt.Errorf("scheduler: list eligible users: %w", err)
	}

	for _, userID := range userIDs {
		_, err := s.syncQueue.Add(ctx, "sync-user", ingest.SyncUserJob{UserID: userID}, queue.AddOptions{
			JobID: "sync:" + userID,
		})
		if err != nil {
			return SeedSyncResult{LockAcquired: true, Enqueued: len(userIDs)}, fmt.Errorf("scheduler: enqueue sync for %s: %w", userID, err)
		}
	}
	return SeedSyncResult{LockAcquired: true, Enqueued: len(userIDs)}, nil
}

// tierPriority mirrors "per-tier priority" in §4.11: tier 1 users get
// fresher stats sooner than tier 2.
var tierPriority = map[repository.Tier]int{
	repository.Tier1: 20,
	repository.Tier2: 10,
}

// SeedTopStatsResult reports what one seed-top-stats invocation did.
type SeedTopStatsResult struct {
	Enqueued int
}

// SeedTopStats enqueues tier-1 and tier-2 refresh jobs with random jitter
// (up to 4h) so a large user base doesn't all hit the provider at once
// (§4.11).
func (s *Scheduler) SeedTopStats(ctx context.Context) (SeedTopStatsResult, error) {
	var total int
	for _, tier := range []repository.Tier{repository.Tier1, repository.Tier2} {
		userIDs, err := s.repo.UsersInTier(ctx, tier)
		if err != nil {
			return SeedTopStatsResult{Enqueued: total}, fmt.Errorf("scheduler: list tier %d users: %w", tier, err)
		}
		for _, userID := range userIDs {
			_, err := s.topQueue.Add(ctx, "refresh-top-stats", topstats.RefreshJob{UserID: userID}, queue.AddOptions{
				JobID:    "top-stats:" + userID,
				Priority: tierPriority[tier],
				Delay:    topstats.SeedTierJitter(),
			})
			if err != nil {
				return SeedTopStatsResult{Enqueued: total}, fmt.Errorf("scheduler: enqueue top-stats for %s: %w", userID, err)
			}
			total++
		}
	}
	return SeedTopStatsResult{Enqueued: total}, nil
}

// ManagePartitions ensures a monthly partition exists for the current
// month and the next partitionsLookahead months (§4.11).
func (s *Scheduler) ManagePartitions(ctx context.Context) error {
	if err := s.repo.EnsureUpcomingPartitions(ctx, partitionsLookahead); err != nil {
		return fmt.Errorf("scheduler: manage partitions: %w", err)
	}
	return nil
}

// CleanupStaleImports moves PENDING import jobs older than 5 minutes to
// FAILED (§4.11).
func (s *Scheduler) CleanupStaleImports(ctx context.Context) (int64, error) {
	n, err := s.repo.CleanupStaleImports(ctx, staleImportAfter)
	if err != nil {
		return 0, fmt.Errorf("scheduler: cleanup stale imports: %w", err)
	}
	return n, nil
}
