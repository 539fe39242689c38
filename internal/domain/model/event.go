// Package model contains domain models passed between layers.
package model

import (
	"maps"
	"slices"
	"time"
)

// ScoreData holds the performance metrics of one attempt.
type ScoreData struct {
	Score   float64            `json:"score"`
	Percent float64            `json:"percent"`
	Grade   string             `json:"grade,omitempty"`
	Lamp    string             `json:"lamp,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"` // mode-specific extras, e.g. "bp", "fast"
}

// RawScore is an immutable record of a single attempt on a chart.
type RawScore struct {
	ScoreID      string     `json:"score_id"`
	UserID       string     `json:"user_id"`
	ChartID      string     `json:"chart_id"`
	Game         string     `json:"game"`
	Playtype     string     `json:"playtype"`
	TimeAchieved *time.Time `json:"time_achieved,omitempty"` // nil when the source did not record it
	ScoreData    ScoreData  `json:"score_data"`
}

// Composition names one raw score that contributed to a PB.
type Composition struct {
	Name    string `json:"name"`
	ScoreID string `json:"score_id"`
}

// PBDocument is the personal best of one user on one chart.
//
// Rank and OutOf are nil until the chart has been ranked at least once, and
// may lag behind ScoreData between a bulk upsert and the following rank refresh.
type PBDocument struct {
	ChartID        string             `json:"chart_id"`
	UserID         string             `json:"user_id"`
	Game           string             `json:"game"`
	Playtype       string             `json:"playtype"`
	ScoreID        string             `json:"score_id"`
	TimeAchieved   *time.Time         `json:"time_achieved,omitempty"`
	ScoreData      ScoreData          `json:"score_data"`
	CalculatedData map[string]float64 `json:"calculated_data"`
	ComposedFrom   []Composition      `json:"composed_from,omitempty"`
	Rank           *int               `json:"rank,omitempty"`
	OutOf          *int               `json:"out_of,omitempty"`
}

// ImportEvent announces that an import finished writing raw scores and the
// touched charts need their PBs refreshed.
type ImportEvent struct {
	ImportID string
	UserID   string
	Game     string
	Playtype string
	ChartIDs []string
	Received time.Time
}

// Clone returns a deep copy of d.
func (d PBDocument) Clone() PBDocument {
	d.ScoreData = d.ScoreData.Clone()
	d.CalculatedData = maps.Clone(d.CalculatedData)
	d.ComposedFrom = slices.Clone(d.ComposedFrom)
	d.TimeAchieved = clonePtr(d.TimeAchieved)
	d.Rank = clonePtr(d.Rank)
	d.OutOf = clonePtr(d.OutOf)
	return d
}

// Clone returns a deep copy of sd.
func (sd ScoreData) Clone() ScoreData {
	sd.Metrics = maps.Clone(sd.Metrics)
	return sd
}

// Clone returns a deep copy of s.
func (s RawScore) Clone() RawScore {
	s.ScoreData = s.ScoreData.Clone()
	s.TimeAchieved = clonePtr(s.TimeAchieved)
	return s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
