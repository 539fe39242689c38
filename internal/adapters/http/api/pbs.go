package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleListPBs handles GET /charts/{chartID}/pbs?limit=N.
func (s *Server) handleListPBs(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_pbs"
	limit := s.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeFailure(w, r, op, fmt.Errorf("%w: limit %q is not a number", ErrBadRequest, raw))
			return
		}
		limit = n
	}

	page, err := s.deps.ListPBs(r.Context(), chi.URLParam(r, "chartID"), limit)
	if err != nil {
		s.writeFailure(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGetPB handles GET /charts/{chartID}/pbs/{userID}.
func (s *Server) handleGetPB(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_pb"
	pb, err := s.deps.GetPB(r.Context(), chi.URLParam(r, "chartID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFailure(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, pb)
}
