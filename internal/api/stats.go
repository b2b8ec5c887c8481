package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	FailedTrails  int            `json:"failed_trails"`
	PendingTrails int            `json:"pending_trails"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context(), identity(r))
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	byState := make(map[string]int, len(stats.CountByState))
	for st, n := range stats.CountByState {
		byState[string(st)] = n
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByState:       byState,
		FailedTrails:  stats.FailedTrails,
		PendingTrails: stats.PendingTrails,
	})
}
