package playlist

import (
	"context"
	"fmt"
	"time"

	"github.com/kvass-analytics/ingestor/internal/models"
)

const (
	pendingLimit = 5
	hourlyLimit  = 10
	rateWindow   = time.Hour
)

func pendingKey(userID string) string { return "playlist_rate:pending:" + userID }
func hourlyKey(userID string) string  { return "playlist_rate:hourly:" + userID }

// tryAcquireJobSlot implements the §4.10 admission-control algorithm:
// increment pending, roll back and reject if it exceeds pendingLimit;
// otherwise increment hourly, roll back both and reject if it exceeds
// hourlyLimit. Falls back to counting durable rows when the shared store
// errors, so admission control degrades rather than wedges.
func (b *Builder) tryAcquireJobSlot(ctx context.Context, userID string) (bool, error) {
	pending, err := b.store.IncrWithTTL(ctx, pendingKey(userID), rateWindow)
	if err != nil {
		return b.tryAcquireJobSlotFallback(ctx, userID)
	}
	if pending > pendingLimit {
		_ = b.store.Decr(ctx, pendingKey(userID))
		return false, nil
	}

	hourly, err := b.store.IncrWithTTL(ctx, hourlyKey(userID), rateWindow)
	if err != nil {
		_ = b.store.Decr(ctx, pendingKey(userID))
		return b.tryAcquireJobSlotFallback(ctx, userID)
	}
	if hourly > hourlyLimit {
		_ = b.store.Decr(ctx, pendingKey(userID))
		_ = b.store.Decr(ctx, hourlyKey(userID))
		return false, nil
	}
	return true, nil
}

func (b *Builder) releaseJobSlot(ctx context.Context, userID string) {
	_ = b.store.Decr(ctx, pendingKey(userID))
}

// tryAcquireJobSlotFallback counts PlaylistJob rows directly when the
// shared store is unavailable (§4.10).
func (b *Builder) tryAcquireJobSlotFallback(ctx context.Context, userID string) (bool, error) {
	inProgress := []models.PlaylistStatus{
		models.PlaylistPending, models.PlaylistCreating, models.PlaylistAddingTracks, models.PlaylistUploadingImg,
	}
	pending, err := b.repo.CountPlaylistJobsSince(ctx, userID, inProgress, time.Now().Add(-rateWindow))
	if err != nil {
		return false, fmt.Errorf("playlist: admission fallback pending count: %w", err)
	}
	if pending >= pendingLimit {
		return false, nil
	}
	hourly, err := b.repo.CountPlaylistJobsSince(ctx, userID, allStatuses, time.Now().Add(-rateWindow))
	if err != nil {
		return false, fmt.Errorf("playlist: admission fallback hourly count: %w", err)
	}
	return hourly < hourlyLimit, nil
}

var allStatuses = []models.PlaylistStatus{
	models.PlaylistPending, models.PlaylistCreating, models.PlaylistAddingTracks,
	models.PlaylistUploadingImg, models.PlaylistCompleted, models.PlaylistFailed,
}
