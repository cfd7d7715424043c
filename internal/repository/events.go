package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kvass-analytics/ingestor/internal/models"
)

// EventOutcome classifies what InsertEvents did with one event, matching
// the C7 resolution table (§4.7).
type EventOutcome int

const (
	EventAdded EventOutcome = iota
	EventSkipped
	EventUpdated
)

type EventResult struct {
	TrackID  string
	PlayedAt time.Time
	Outcome  EventOutcome
}

// InsertEvents applies the full resolution table in one batched round
// trip: no existing row -> insert; existing row and new source=api ->
// skip; existing estimated row and new source=import -> update in place
// and clear the estimate flag; existing non-estimated row and
// source=import -> skip. ON CONFLICT ... DO UPDATE ... WHERE expresses the
// conditional branch directly instead of a read-then-write race.
func (r *Repository) InsertEvents(ctx context.Context, events []models.ListeningEvent) ([]EventResult, error) {
	if len(events) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO listening_events (user_id, track_id, played_at, ms_played, is_estimated, source)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, track_id, played_at) DO UPDATE
			  SET ms_played = EXCLUDED.ms_played, is_estimated = false, source = EXCLUDED.source
			  WHERE listening_events.is_estimated = true AND EXCLUDED.source = 'import'
			RETURNING (xmax = 0) AS inserted`,
			e.UserID, e.TrackID, e.PlayedAt, e.MsPlayed, e.IsEstimated, e.Source)
	}

	br := r.Pool.SendBatch(ctx, batch)
	defer br.Close()

	results := make([]EventResult, len(events))
	for i, e := range events {
		rows, err := br.Query()
		if err != nil {
			return nil, fmt.Errorf("repository: insert event %d: %w", i, err)
		}
		var inserted bool
		found := rows.Next()
		if found {
			if err := rows.Scan(&inserted); err != nil {
				rows.Close()
				return nil, fmt.Errorf("repository: scan insert outcome %d: %w", i, err)
			}
		}
		rows.Close()

		outcome := EventSkipped
		switch {
		case found && inserted:
			outcome = EventAdded
		case found && !inserted:
			outcome = EventUpdated
		}
		results[i] = EventResult{TrackID: e.TrackID, PlayedAt: e.PlayedAt, Outcome: outcome}
	}
	return results, nil
}
