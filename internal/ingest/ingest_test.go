package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kvass-analytics/ingestor/internal/provider"
)

// fullPage builds a full page of pageSize items ordered newest-first (as
// the provider returns them), with the given oldest (last item) timestamp.
func fullPage(oldestMs int64) *provider.RecentlyPlayedPage {
	items := make([]provider.RecentlyPlayedItem, pageSize)
	for i := range items {
		// items[0] is newest, items[pageSize-1] is oldest.
		items[i] = provider.RecentlyPlayedItem{PlayedAt: time.UnixMilli(oldestMs + int64(pageSize-1-i)*1000)}
	}
	return &provider.RecentlyPlayedPage{Items: items}
}

func TestShouldFollowUp_FullPageWithTemporalProgress(t *testing.T) {
	i := &Ingestor{}
	page := fullPage(10_000)
	assert.True(t, i.shouldFollowUp(page, 5_000, 0), "oldest item newer than prior cursor means more backlog remains")
}

func TestShouldFollowUp_PartialPageStops(t *testing.T) {
	i := &Ingestor{}
	page := &provider.RecentlyPlayedPage{Items: []provider.RecentlyPlayedItem{
		{PlayedAt: time.UnixMilli(10_000)},
	}}
	assert.False(t, i.shouldFollowUp(page, 5_000, 0), "a partial page means the backlog is drained")
}

func TestShouldFollowUp_StopsAtMaxIterations(t *testing.T) {
	i := &Ingestor{}
	page := fullPage(10_000)
	assert.False(t, i.shouldFollowUp(page, 5_000, maxFollowupIterations))
}

func TestShouldFollowUp_NoProgressStops(t *testing.T) {
	i := &Ingestor{}
	page := fullPage(4_000) // oldest item in the page is 4000ms, not newer than prior cursor 5000ms
	assert.False(t, i.shouldFollowUp(page, 5_000, 0))
}
