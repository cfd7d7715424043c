package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/playlist"
	"github.com/kvass-analytics/ingestor/internal/repository"
)

// playlistParamsRequest is the client-visible shape of a playlist creation
// request's method-specific parameters; it is also exactly the payload the
// confirmation token commits to (§6, P7).
type playlistParamsRequest struct {
	CreationMethod   models.CreationMethod `json:"creationMethod"`
	Name             string                `json:"name"`
	IsPublic         bool                  `json:"isPublic"`
	SourcePlaylistID *string               `json:"sourcePlaylistId,omitempty"`
	ShuffleMode      *string               `json:"shuffleMode,omitempty"`
	KValue           *int                  `json:"kValue,omitempty"`
	StartDate        *time.Time            `json:"startDate,omitempty"`
	EndDate          *time.Time            `json:"endDate,omitempty"`
	CoverImageBase64 *string               `json:"coverImageBase64,omitempty"`
}

// handleIssueConfirmationToken signs the exact params the client posts so
// the subsequent create call can be checked against them (§6).
func (s *Server) handleIssueConfirmationToken(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var params json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := IssueConfirmationToken(s.hmacSecret, userID, params)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"confirmationToken": token})
}

type createPlaylistRequest struct {
	ConfirmationToken string          `json:"confirmationToken"`
	Params            json.RawMessage `json:"params"`
}

// handleCreatePlaylist verifies the confirmation token against the
// request's params, then hands off to the playlist builder (§4.10 step
// 1-2). A 429 from admission control surfaces as a 429 to the client.
func (s *Server) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createPlaylistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := VerifyConfirmationToken(s.hmacSecret, req.ConfirmationToken, userID, req.Params); err != nil {
		var mismatch *ParamMismatchError
		if errors.As(err, &mismatch) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":         "request params do not match the confirmation token",
				"paramMismatch": mismatch.Fields,
			})
			return
		}
		http.Error(w, `{"error":"invalid confirmation token"}`, http.StatusBadRequest)
		return
	}

	var p playlistParamsRequest
	if err := json.Unmarshal(req.Params, &p); err != nil {
		http.Error(w, `{"error":"invalid params"}`, http.StatusBadRequest)
		return
	}

	result, err := s.playlist.CreateJob(r.Context(), userID, req.ConfirmationToken, playlist.CreateParams{
		CreationMethod:   p.CreationMethod,
		Name:             p.Name,
		IsPublic:         p.IsPublic,
		SourcePlaylistID: p.SourcePlaylistID,
		ShuffleMode:      p.ShuffleMode,
		KValue:           p.KValue,
		StartDate:        p.StartDate,
		EndDate:          p.EndDate,
		CoverImageBase64: p.CoverImageBase64,
	})
	if err != nil {
		if errors.Is(err, playlist.ErrRateLimited) {
			http.Error(w, `{"error":"too many playlist jobs in flight"}`, http.StatusTooManyRequests)
			return
		}
		if playlist.IsValidationError(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if result.Idempotent {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"jobId":      result.JobID,
		"idempotent": result.Idempotent,
	})
}

func (s *Server) handleGetPlaylistJob(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	jobID := mux.Vars(r)["jobId"]

	job, err := s.repo.GetPlaylistJob(r.Context(), jobID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if job.UserID != userID {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
