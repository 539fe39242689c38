// Package types contains the read shapes served over HTTP.
package types

import (
	"time"

	"github.com/okian/pbengine/internal/domain/model"
)

// PBView is one personal best as served to readers.
type PBView struct {
	ChartID        string              `json:"chart_id"`
	UserID         string              `json:"user_id"`
	ScoreID        string              `json:"score_id"`
	Score          float64             `json:"score"`
	Percent        float64             `json:"percent"`
	Grade          string              `json:"grade,omitempty"`
	Lamp           string              `json:"lamp,omitempty"`
	TimeAchieved   *time.Time          `json:"time_achieved,omitempty"`
	CalculatedData map[string]float64  `json:"calculated_data,omitempty"`
	ComposedFrom   []model.Composition `json:"composed_from,omitempty"`
	Rank           *int                `json:"rank"`
	OutOf          *int                `json:"out_of"`
}

// ChartPBs is a rank-ordered page of a chart's PBs.
type ChartPBs struct {
	ChartID string   `json:"chart_id"`
	Total   int      `json:"total"`
	PBs     []PBView `json:"pbs"`
}

// NewPBView flattens d. Rank and OutOf stay nil for a PB that was never ranked.
func NewPBView(d model.PBDocument) PBView { //nolint:gocritic // hugeParam: documents are passed by value across layers
	return PBView{
		ChartID:        d.ChartID,
		UserID:         d.UserID,
		ScoreID:        d.ScoreID,
		Score:          d.ScoreData.Score,
		Percent:        d.ScoreData.Percent,
		Grade:          d.ScoreData.Grade,
		Lamp:           d.ScoreData.Lamp,
		TimeAchieved:   d.TimeAchieved,
		CalculatedData: d.CalculatedData,
		ComposedFrom:   d.ComposedFrom,
		Rank:           d.Rank,
		OutOf:          d.OutOf,
	}
}

// ImportAck acknowledges a submitted import.
type ImportAck struct {
	ImportID  string `json:"import_id"`
	Duplicate bool   `json:"duplicate"`
}

// StoreStats counts stored documents.
type StoreStats struct {
	Scores int `json:"scores"`
	PBs    int `json:"pbs"`
	Charts int `json:"charts"`
}

// ServiceStats describes the running service.
type ServiceStats struct {
	Started       bool       `json:"started"`
	Driver        string     `json:"driver,omitempty"`
	Workers       int        `json:"workers"`
	QueueLength   int        `json:"queue_length"`
	QueueCapacity int        `json:"queue_capacity"`
	KnownImports  int64      `json:"known_imports"`
	Modes         []string   `json:"modes"`
	Store         StoreStats `json:"store"`
}
