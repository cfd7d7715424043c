// Package api is the HTTP read/write surface (§6): session auth, playlist
// creation, the stats read endpoints with lazy-refresh, the cron trigger
// routes, and health. Routing follows the teacher's
// internal/api/server.go + routes_registration.go split almost exactly —
// a *Server holding its collaborators, a mux.Router built once in New,
// handlers as *Server methods.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kvass-analytics/ingestor/internal/playlist"
	"github.com/kvass-analytics/ingestor/internal/repository"
	"github.com/kvass-analytics/ingestor/internal/scheduler"
	"github.com/kvass-analytics/ingestor/internal/topstats"
)

// Server owns every HTTP-reachable collaborator and the router built from
// them.
type Server struct {
	repo      *repository.Repository
	playlist  *playlist.Builder
	topstats  *topstats.Refresher
	scheduler *scheduler.Scheduler

	session    *SessionAuth
	hmacSecret []byte

	router *mux.Router
}

// New wires one Server and its route table.
func New(repo *repository.Repository, playlistBuilder *playlist.Builder, refresher *topstats.Refresher,
	sched *scheduler.Scheduler, session *SessionAuth, hmacSecret, cronSecret string) *Server {
	s := &Server{
		repo: repo, playlist: playlistBuilder, topstats: refresher, scheduler: sched,
		session: session, hmacSecret: []byte(hmacSecret),
	}
	s.router = mux.NewRouter()
	registerRoutes(s.router, s, cronSecret)
	s.router.Use(rateLimitMiddleware)
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.repo.Pool.Ping(ctx); err != nil {
		http.Error(w, `{"status":"down"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
