package api

import (
	"log"
	"net/http"

	"github.com/kvass-analytics/ingestor/internal/models"
)

// termFromRange maps the client-facing "range" query param onto the
// provider's fixed term windows (§3's SHORT/MEDIUM/LONG).
func termFromRange(rangeParam string) models.Term {
	switch rangeParam {
	case "6months":
		return models.TermMedium
	case "alltime", "years":
		return models.TermLong
	default:
		return models.TermShort
	}
}

// handleTopTracks serves the cached top-50 tracks for a term, triggering a
// lazy background refresh if the cache is stale, and applying the
// freshness-gated 202 response for a user who has never been hydrated
// (spec.md §8 scenario 6).
func (s *Server) handleTopTracks(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	term := termFromRange(r.URL.Query().Get("range"))

	if err := s.topstats.TriggerLazyRefreshIfStale(r.Context(), userID); err != nil {
		log.Printf("api: trigger lazy top-stats refresh for %s: %v", userID, err)
	}

	user, err := s.repo.GetUser(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	entries, err := s.repo.TopTrackEntries(r.Context(), userID, term)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if user.TopStatsRefreshedAt == nil && len(entries) == 0 {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "processing", "data": []interface{}{}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "data": entries})
}

func (s *Server) handleTopArtists(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	term := termFromRange(r.URL.Query().Get("range"))

	if err := s.topstats.TriggerLazyRefreshIfStale(r.Context(), userID); err != nil {
		log.Printf("api: trigger lazy top-stats refresh for %s: %v", userID, err)
	}

	user, err := s.repo.GetUser(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	entries, err := s.repo.TopArtistEntries(r.Context(), userID, term)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if user.TopStatsRefreshedAt == nil && len(entries) == 0 {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "processing", "data": []interface{}{}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "data": entries})
}
