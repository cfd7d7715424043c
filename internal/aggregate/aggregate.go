// Package aggregate implements the rollup aggregator (C8, §4.8): given a
// batch of resolved plays, compute four in-memory maps in one pass and
// flush them as four parallel upserts. Parallel fan-out with
// all-or-nothing failure semantics uses golang.org/x/sync/errgroup, the
// same dependency the teacher reaches for whenever independent writes
// must be awaited together.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kvass-analytics/ingestor/internal/repository"
)

// Input is one resolved play, ready for bucketing.
type Input struct {
	TrackID   string
	ArtistIDs []string
	PlayedAt  time.Time
	MsPlayed  int64
}

type Aggregator struct {
	repo *repository.Repository
}

func New(repo *repository.Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

type trackAgg struct {
	count        int64
	ms           int64
	lastPlayedAt time.Time
}

type artistAgg struct {
	count int64
	ms    int64
}

type dayAgg struct {
	count  int64
	ms     int64
	tracks map[string]bool
}

type hourAgg struct {
	count int64
	ms    int64
}

// Apply computes the per-track/per-artist/per-local-day/per-UTC-hour
// deltas for one batch and upserts all four groups in parallel.
func (a *Aggregator) Apply(ctx context.Context, userID string, inputs []Input, timezone string) error {
	if len(inputs) == 0 {
		return nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}

	tracks := make(map[string]*trackAgg)
	artists := make(map[string]*artistAgg)
	days := make(map[time.Time]*dayAgg)
	hours := make(map[int]*hourAgg)

	for _, in := range inputs {
		t := tracks[in.TrackID]
		if t == nil {
			t = &trackAgg{}
			tracks[in.TrackID] = t
		}
		t.count++
		t.ms += in.MsPlayed
		if in.PlayedAt.After(t.lastPlayedAt) {
			t.lastPlayedAt = in.PlayedAt
		}

		for _, artistID := range in.ArtistIDs {
			ar := artists[artistID]
			if ar == nil {
				ar = &artistAgg{}
				artists[artistID] = ar
			}
			ar.count++
			ar.ms += in.MsPlayed
		}

		localDay := startOfDay(in.PlayedAt.In(loc))
		d := days[localDay]
		if d == nil {
			d = &dayAgg{tracks: make(map[string]bool)}
			days[localDay] = d
		}
		d.count++
		d.ms += in.MsPlayed
		d.tracks[in.TrackID] = true

		hour := in.PlayedAt.UTC().Hour()
		h := hours[hour]
		if h == nil {
			h = &hourAgg{}
			hours[hour] = h
		}
		h.count++
		h.ms += in.MsPlayed
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		deltas := make([]repository.TrackStatsDelta, 0, len(tracks))
		for trackID, t := range tracks {
			deltas = append(deltas, repository.TrackStatsDelta{
				UserID: userID, TrackID: trackID, PlayCount: t.count, TotalMs: t.ms, LastPlayedAt: t.lastPlayedAt,
			})
		}
		if err := a.repo.UpsertTrackStats(gctx, deltas); err != nil {
			return fmt.Errorf("aggregate: track stats: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		deltas := make([]repository.ArtistStatsDelta, 0, len(artists))
		for artistID, ar := range artists {
			deltas = append(deltas, repository.ArtistStatsDelta{
				UserID: userID, ArtistID: artistID, PlayCount: ar.count, TotalMs: ar.ms,
			})
		}
		if err := a.repo.UpsertArtistStats(gctx, deltas); err != nil {
			return fmt.Errorf("aggregate: artist stats: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		deltas := make([]repository.DayBucketDelta, 0, len(days))
		for bucketDate, d := range days {
			deltas = append(deltas, repository.DayBucketDelta{
				UserID: userID, BucketDate: bucketDate, PlayCount: d.count, TotalMs: d.ms,
				UniqueTracks: int64(len(d.tracks)),
			})
		}
		if err := a.repo.UpsertDayBuckets(gctx, deltas); err != nil {
			return fmt.Errorf("aggregate: day buckets: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		deltas := make([]repository.HourBucketDelta, 0, len(hours))
		for hour, h := range hours {
			deltas = append(deltas, repository.HourBucketDelta{
				UserID: userID, Hour: hour, PlayCount: h.count, TotalMs: h.ms,
			})
		}
		if err := a.repo.UpsertHourBuckets(gctx, deltas); err != nil {
			return fmt.Errorf("aggregate: hour buckets: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// startOfDay returns midnight of t's calendar day, in t's own location,
// which is what makes two timestamps in the same local day map to the
// same bucket instant (P8).
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
