package api

import (
	"log"
	"net/http"
)

// handlers_cron.go exposes the scheduler's operations (C11, §4.11) behind
// CronAuth, matching the teacher's own admin-route pattern of thin
// handlers delegating straight to a domain-layer method.

func (s *Server) handleCronSeedSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.SeedSync(r.Context())
	if err != nil {
		log.Printf("api: seed-sync: %v", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lockAcquired": result.LockAcquired,
		"enqueued":     result.Enqueued,
	})
}

func (s *Server) handleCronSeedTopStats(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.SeedTopStats(r.Context())
	if err != nil {
		log.Printf("api: seed-top-stats: %v", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": result.Enqueued})
}

func (s *Server) handleCronManagePartitions(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ManagePartitions(r.Context()); err != nil {
		log.Printf("api: manage-partitions: %v", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCronCleanupStaleImports(w http.ResponseWriter, r *http.Request) {
	n, err := s.scheduler.CleanupStaleImports(r.Context())
	if err != nil {
		log.Printf("api: cleanup-stale-imports: %v", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"failed": n})
}
