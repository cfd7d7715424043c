package api

import "github.com/gorilla/mux"

// registerRoutes mirrors the teacher's routes_registration.go grouping
// style: one function per concern, called from a single entry point.
func registerRoutes(r *mux.Router, s *Server, cronSecret string) {
	registerBaseRoutes(r, s)
	registerPlaylistRoutes(r, s)
	registerStatsRoutes(r, s)
	registerCronRoutes(r, s, cronSecret)
}

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET", "OPTIONS")
}

func registerPlaylistRoutes(r *mux.Router, s *Server) {
	sub := r.NewRoute().Subrouter()
	sub.Use(s.session.Middleware)
	sub.HandleFunc("/playlists/confirmation-token", s.handleIssueConfirmationToken).Methods("POST", "OPTIONS")
	sub.HandleFunc("/playlists", s.handleCreatePlaylist).Methods("POST", "OPTIONS")
	sub.HandleFunc("/playlists/{jobId}", s.handleGetPlaylistJob).Methods("GET", "OPTIONS")
}

func registerStatsRoutes(r *mux.Router, s *Server) {
	sub := r.NewRoute().Subrouter()
	sub.Use(s.session.Middleware)
	sub.HandleFunc("/stats/top-tracks", s.handleTopTracks).Methods("GET", "OPTIONS")
	sub.HandleFunc("/stats/top-artists", s.handleTopArtists).Methods("GET", "OPTIONS")
}

func registerCronRoutes(r *mux.Router, s *Server, cronSecret string) {
	sub := r.PathPrefix("/cron").Subrouter()
	sub.Use(CronAuth(cronSecret))
	sub.HandleFunc("/seed-sync", s.handleCronSeedSync).Methods("POST")
	sub.HandleFunc("/seed-top-stats", s.handleCronSeedTopStats).Methods("POST")
	sub.HandleFunc("/manage-partitions", s.handleCronManagePartitions).Methods("POST")
	sub.HandleFunc("/cleanup-stale-imports", s.handleCronCleanupStaleImports).Methods("POST")
}
