package topstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kvass-analytics/ingestor/internal/catalog"
	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/repository"
)

func ptrTime(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func TestNeedsRefresh_NeverRefreshedIsAlwaysNeeded(t *testing.T) {
	user := &models.User{LastLoginAt: ptrTime(time.Hour)}
	assert.True(t, NeedsRefresh(user))
}

func TestNeedsRefresh_Tier1_NeedsAfter24Hours(t *testing.T) {
	user := &models.User{
		LastLoginAt:         ptrTime(time.Hour), // within 48h => tier 1
		TopStatsRefreshedAt: ptrTime(23 * time.Hour),
	}
	assert.False(t, NeedsRefresh(user))

	user.TopStatsRefreshedAt = ptrTime(25 * time.Hour)
	assert.True(t, NeedsRefresh(user))
}

func TestNeedsRefresh_Tier2_NeedsAfter72Hours(t *testing.T) {
	user := &models.User{
		LastLoginAt:         ptrTime(5 * 24 * time.Hour), // tier 2: <=7d
		TopStatsRefreshedAt: ptrTime(71 * time.Hour),
	}
	assert.False(t, NeedsRefresh(user))

	user.TopStatsRefreshedAt = ptrTime(73 * time.Hour)
	assert.True(t, NeedsRefresh(user))
}

func TestNeedsRefresh_Tier3_NeedsAfter24Hours(t *testing.T) {
	user := &models.User{
		LastLoginAt:         ptrTime(30 * 24 * time.Hour), // tier 3: >7d
		TopStatsRefreshedAt: ptrTime(23 * time.Hour),
	}
	assert.False(t, NeedsRefresh(user))

	user.TopStatsRefreshedAt = ptrTime(25 * time.Hour)
	assert.True(t, NeedsRefresh(user))
}

func TestTierOf_NoLastLoginIsTier3(t *testing.T) {
	user := &models.User{}
	assert.Equal(t, repository.Tier3, tierOf(user))
}

func TestTierOf_BoundaryAges(t *testing.T) {
	assert.Equal(t, repository.Tier1, tierOf(&models.User{LastLoginAt: ptrTime(48*time.Hour - time.Minute)}))
	assert.Equal(t, repository.Tier2, tierOf(&models.User{LastLoginAt: ptrTime(48*time.Hour + time.Minute)}))
	assert.Equal(t, repository.Tier2, tierOf(&models.User{LastLoginAt: ptrTime(7*24*time.Hour - time.Minute)}))
	assert.Equal(t, repository.Tier3, tierOf(&models.User{LastLoginAt: ptrTime(7*24*time.Hour + time.Minute)}))
}

func TestBuildTopEntries_AssignsContiguousRanksAndSkipsUnresolved(t *testing.T) {
	resolved := &catalog.Resolved{
		TrackIDs:  map[string]string{"t1": "internal-t1", "t2": "internal-t2"},
		ArtistIDs: map[string]string{"a1": "internal-a1"},
	}
	results := []termResult{
		{
			term: models.TermShort,
			tracks: &provider.TopTracksPage{Items: []provider.RawTrack{
				{ProviderID: "t1"}, {ProviderID: "missing"}, {ProviderID: "t2"},
			}},
			artists: &provider.TopArtistsPage{Items: []provider.RawArtist{
				{ProviderID: "a1"},
			}},
		},
	}

	entries := buildTopEntries("user-1", results, resolved)

	var trackEntries []models.TopEntry
	for _, e := range entries {
		if e.Kind == models.TopKindTrack {
			trackEntries = append(trackEntries, e)
		}
	}
	assert.Len(t, trackEntries, 2, "the unresolved track must be skipped, not leave a gap in its place")
	assert.Equal(t, 1, trackEntries[0].Rank)
	assert.Equal(t, "internal-t1", *trackEntries[0].TrackID)
	assert.Equal(t, 2, trackEntries[1].Rank)
	assert.Equal(t, "internal-t2", *trackEntries[1].TrackID)
}

// TestBuildTopEntries_TrackAndArtistListsRankIndependently pins down the
// row identity: a term's track list and artist list both run 1..k, so
// (term, kind, rank) must be unique across a mixed result while plain
// (term, rank) repeats.
func TestBuildTopEntries_TrackAndArtistListsRankIndependently(t *testing.T) {
	resolved := &catalog.Resolved{
		TrackIDs:  map[string]string{"t1": "internal-t1", "t2": "internal-t2"},
		ArtistIDs: map[string]string{"a1": "internal-a1", "a2": "internal-a2"},
	}
	results := []termResult{
		{
			term:    models.TermShort,
			tracks:  &provider.TopTracksPage{Items: []provider.RawTrack{{ProviderID: "t1"}, {ProviderID: "t2"}}},
			artists: &provider.TopArtistsPage{Items: []provider.RawArtist{{ProviderID: "a1"}, {ProviderID: "a2"}}},
		},
	}

	entries := buildTopEntries("user-1", results, resolved)
	assert.Len(t, entries, 4)

	type key struct {
		term models.Term
		kind models.TopEntryKind
		rank int
	}
	seen := make(map[key]bool)
	for _, e := range entries {
		k := key{e.Term, e.Kind, e.Rank}
		assert.False(t, seen[k], "duplicate (term, kind, rank) %v would collide on the primary key", k)
		seen[k] = true
		if e.Kind == models.TopKindTrack {
			assert.NotNil(t, e.TrackID)
			assert.Nil(t, e.ArtistID)
		} else {
			assert.NotNil(t, e.ArtistID)
			assert.Nil(t, e.TrackID)
		}
	}
	assert.True(t, seen[key{models.TermShort, models.TopKindTrack, 1}])
	assert.True(t, seen[key{models.TermShort, models.TopKindArtist, 1}], "both lists start at rank 1 in the same term")
}

func TestBuildTopEntries_TruncatesAtMaxRank(t *testing.T) {
	trackIDs := make(map[string]string)
	items := make([]provider.RawTrack, maxRank+10)
	for i := range items {
		id := "t" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		items[i] = provider.RawTrack{ProviderID: id}
		trackIDs[id] = "internal-" + id
	}
	resolved := &catalog.Resolved{TrackIDs: trackIDs}
	results := []termResult{{term: models.TermLong, tracks: &provider.TopTracksPage{Items: items}}}

	entries := buildTopEntries("user-1", results, resolved)
	assert.Len(t, entries, maxRank)
	assert.Equal(t, maxRank, entries[len(entries)-1].Rank)
}
