package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/pbengine/internal/domain/model"
)

// importRequest is the body of POST /imports. Scores inherit the user and
// mode of the import.
type importRequest struct {
	ImportID string         `json:"import_id"`
	UserID   string         `json:"user_id"`
	Game     string         `json:"game"`
	Playtype string         `json:"playtype"`
	ChartIDs []string       `json:"chart_ids"`
	Scores   []scoreRequest `json:"scores"`
}

type scoreRequest struct {
	ScoreID      string          `json:"score_id"`
	ChartID      string          `json:"chart_id"`
	TimeAchieved *time.Time      `json:"time_achieved"`
	ScoreData    model.ScoreData `json:"score_data"`
}

func (req importRequest) event() (model.ImportEvent, []model.RawScore) { //nolint:gocritic // hugeParam: decoded once per request
	ev := model.ImportEvent{
		ImportID: req.ImportID,
		UserID:   req.UserID,
		Game:     req.Game,
		Playtype: req.Playtype,
		ChartIDs: req.ChartIDs,
	}
	scores := make([]model.RawScore, 0, len(req.Scores))
	for _, sc := range req.Scores {
		scores = append(scores, model.RawScore{
			ScoreID:      sc.ScoreID,
			UserID:       req.UserID,
			ChartID:      sc.ChartID,
			Game:         req.Game,
			Playtype:     req.Playtype,
			TimeAchieved: sc.TimeAchieved,
			ScoreData:    sc.ScoreData,
		})
	}
	return ev, scores
}

type ackResponse struct {
	Status    string `json:"status"`
	ImportID  string `json:"import_id"`
	Duplicate bool   `json:"duplicate"`
}

// handlePostImport handles POST /imports.
func (s *Server) handlePostImport(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_import"
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, r, op, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	ev, scores := req.event()
	ack, err := s.deps.Submit(r.Context(), ev, scores...)
	if err != nil {
		s.writeFailure(w, r, op, err)
		return
	}
	if ack.Duplicate {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", ImportID: ack.ImportID, Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", ImportID: ack.ImportID})
}
