package repository

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// partitions.go is C11's manage-partitions op (§4.11), grounded on the
// teacher's own partitions.go: a mutex-guarded set cache so a process that
// has already confirmed a partition exists this run doesn't reissue DDL on
// every scheduler tick.
type partitionCache struct {
	mu    sync.Mutex
	known map[string]bool
}

var partitionsSeen = &partitionCache{known: make(map[string]bool)}

func partitionName(month time.Time) string {
	return fmt.Sprintf("listening_events_y%04dm%02d", month.Year(), int(month.Month()))
}

// EnsureMonthlyPartition creates the partition for month (if absent) and
// verifies its unique index on (user_id, track_id, played_at). A freshly
// created partition inherits the index from the parent; the check covers
// partitions attached out-of-band (a restore, a manual backfill) that
// might be missing it.
func (r *Repository) EnsureMonthlyPartition(ctx context.Context, month time.Time) error {
	name := partitionName(month)

	partitionsSeen.mu.Lock()
	if partitionsSeen.known[name] {
		partitionsSeen.mu.Unlock()
		return nil
	}
	partitionsSeen.mu.Unlock()

	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	_, err := r.Pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF listening_events
		FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format(time.RFC3339), end.Format(time.RFC3339)))
	if err != nil {
		return fmt.Errorf("repository: create partition %s: %w", name, err)
	}

	var indexed bool
	err = r.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE tablename = $1
			  AND indexdef LIKE 'CREATE UNIQUE INDEX %'
			  AND indexdef LIKE '%(user_id, track_id, played_at)%'
		)`, name).Scan(&indexed)
	if err != nil {
		return fmt.Errorf("repository: check partition index %s: %w", name, err)
	}
	if !indexed {
		_, err = r.Pool.Exec(ctx, fmt.Sprintf(`
			CREATE UNIQUE INDEX %s_user_track_played_idx
			ON %s (user_id, track_id, played_at)`, name, name))
		if err != nil {
			return fmt.Errorf("repository: index partition %s: %w", name, err)
		}
	}

	partitionsSeen.mu.Lock()
	partitionsSeen.known[name] = true
	partitionsSeen.mu.Unlock()
	return nil
}

// EnsureUpcomingPartitions ensures a partition exists for the current
// month plus the following monthsAhead months.
func (r *Repository) EnsureUpcomingPartitions(ctx context.Context, monthsAhead int) error {
	now := time.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= monthsAhead; i++ {
		if err := r.EnsureMonthlyPartition(ctx, first.AddDate(0, i, 0)); err != nil {
			return err
		}
	}
	return nil
}
