package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/okian/pbengine/internal/domain/model"
)

type scoreRow struct {
	bun.BaseModel `bun:"table:scores,alias:s"`

	ScoreID      string          `bun:"score_id,pk"`
	UserID       string          `bun:"user_id,notnull"`
	ChartID      string          `bun:"chart_id,notnull"`
	Game         string          `bun:"game,notnull"`
	Playtype     string          `bun:"playtype,notnull"`
	TimeAchieved *time.Time      `bun:"time_achieved"`
	ScoreData    model.ScoreData `bun:"score_data,type:jsonb,notnull"`
}

func toScoreRow(s model.RawScore) scoreRow {
	return scoreRow{
		ScoreID:      s.ScoreID,
		UserID:       s.UserID,
		ChartID:      s.ChartID,
		Game:         s.Game,
		Playtype:     s.Playtype,
		TimeAchieved: s.TimeAchieved,
		ScoreData:    s.ScoreData,
	}
}

func (r scoreRow) toModel() model.RawScore {
	return model.RawScore{
		ScoreID:      r.ScoreID,
		UserID:       r.UserID,
		ChartID:      r.ChartID,
		Game:         r.Game,
		Playtype:     r.Playtype,
		TimeAchieved: r.TimeAchieved,
		ScoreData:    r.ScoreData,
	}
}

type pbRow struct {
	bun.BaseModel `bun:"table:personal_bests,alias:pb"`

	ChartID        string              `bun:"chart_id,pk"`
	UserID         string              `bun:"user_id,pk"`
	Game           string              `bun:"game,notnull"`
	Playtype       string              `bun:"playtype,notnull"`
	ScoreID        string              `bun:"score_id,notnull"`
	TimeAchieved   *time.Time          `bun:"time_achieved"`
	ScoreData      model.ScoreData     `bun:"score_data,type:jsonb,notnull"`
	CalculatedData map[string]float64  `bun:"calculated_data,type:jsonb,notnull"`
	ComposedFrom   []model.Composition `bun:"composed_from,type:jsonb"`
	Rank           *int                `bun:"rank"`
	OutOf          *int                `bun:"out_of"`
	UpdatedAt      time.Time           `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// toPBRow drops rank fields, they are only written by UpdateRank.
func toPBRow(d model.PBDocument) pbRow {
	calculated := d.CalculatedData
	if calculated == nil {
		calculated = map[string]float64{}
	}
	return pbRow{
		ChartID:        d.ChartID,
		UserID:         d.UserID,
		Game:           d.Game,
		Playtype:       d.Playtype,
		ScoreID:        d.ScoreID,
		TimeAchieved:   d.TimeAchieved,
		ScoreData:      d.ScoreData,
		CalculatedData: calculated,
		ComposedFrom:   d.ComposedFrom,
		UpdatedAt:      time.Now().UTC(),
	}
}

func (r pbRow) toModel() model.PBDocument {
	return model.PBDocument{
		ChartID:        r.ChartID,
		UserID:         r.UserID,
		Game:           r.Game,
		Playtype:       r.Playtype,
		ScoreID:        r.ScoreID,
		TimeAchieved:   r.TimeAchieved,
		ScoreData:      r.ScoreData,
		CalculatedData: r.CalculatedData,
		ComposedFrom:   r.ComposedFrom,
		Rank:           r.Rank,
		OutOf:          r.OutOf,
	}
}
