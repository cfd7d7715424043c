package playlist

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kvass-analytics/ingestor/internal/provider"
)

func trackItem(id string, artistIDs ...string) provider.PlaylistTrackItem {
	artists := make([]provider.RawArtist, len(artistIDs))
	for i, a := range artistIDs {
		artists[i] = provider.RawArtist{ProviderID: a, Name: a}
	}
	return provider.PlaylistTrackItem{Track: provider.RawTrack{ProviderID: id, Artists: artists}}
}

func TestFisherYatesShuffle_PreservesSetAndLength(t *testing.T) {
	items := []provider.PlaylistTrackItem{
		trackItem("a"), trackItem("b"), trackItem("c"), trackItem("d"), trackItem("e"),
	}
	before := make([]string, len(items))
	for i, it := range items {
		before[i] = it.Track.ProviderID
	}

	fisherYatesShuffle(items)

	after := make([]string, len(items))
	for i, it := range items {
		after[i] = it.Track.ProviderID
	}
	sort.Strings(before)
	sort.Strings(after)
	assert.Equal(t, before, after, "shuffle must be a permutation, never drop or duplicate tracks")
}

func TestSharesArtist(t *testing.T) {
	a := provider.RawTrack{Artists: []provider.RawArtist{{ProviderID: "art-1"}, {ProviderID: "art-2"}}}
	b := provider.RawTrack{Artists: []provider.RawArtist{{ProviderID: "art-2"}}}
	c := provider.RawTrack{Artists: []provider.RawArtist{{ProviderID: "art-3"}}}

	assert.True(t, sharesArtist(a, b))
	assert.False(t, sharesArtist(a, c))
}

func TestSmartShuffle_DisplacesAdjacentDuplicateArtists(t *testing.T) {
	// Three tracks by the same artist plus two by distinct artists: after
	// smart shuffle, no two adjacent tracks should share an artist when a
	// non-sharing candidate exists later in the slice.
	items := []provider.PlaylistTrackItem{
		trackItem("t1", "shared"),
		trackItem("t2", "shared"),
		trackItem("t3", "other-a"),
		trackItem("t4", "shared"),
		trackItem("t5", "other-b"),
	}

	smartShuffle(items)

	ids := map[string]bool{}
	for _, it := range items {
		ids[it.Track.ProviderID] = true
	}
	assert.Len(t, ids, 5, "smart shuffle must not drop or duplicate tracks")

	for i := 1; i < len(items); i++ {
		if !sharesArtist(items[i-1].Track, items[i].Track) {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			assert.True(t, sharesArtist(items[i-1].Track, items[j].Track) || sharesArtist(items[i].Track, items[j].Track),
				"tracks %d and %d share an artist although a non-sharing candidate remains later", i-1, i)
		}
	}
}

func TestResolveTracks_TooFewIsFatal(t *testing.T) {
	err := &ErrTooFewTracks{Count: 10}
	assert.Contains(t, err.Error(), "10")
	assert.Contains(t, err.Error(), "25")
}
