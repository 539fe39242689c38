package api

import (
	"net/http"
)

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.GetStats(r.Context())
	if err != nil {
		s.writeFailure(w, r, "api.stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
