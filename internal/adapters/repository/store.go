// Package repository defines the score and personal-best store contracts
// shared by every storage driver, plus the in-memory driver.
package repository

import (
	"context"

	"github.com/okian/pbengine/internal/domain/model"
)

// ScoreStore reads immutable raw scores.
type ScoreStore interface {
	// ReadScores returns every raw score of userID on chartID in no particular order.
	ReadScores(ctx context.Context, userID, chartID string) ([]model.RawScore, error)
}

// ScoreWriter appends raw scores. Imports and the simulator use it; the PB
// pipeline never does.
type ScoreWriter interface {
	AddScores(ctx context.Context, scores ...model.RawScore) error
}

// ItemFailure is one document a bulk upsert could not write.
type ItemFailure struct {
	ChartID string
	UserID  string
	Err     error
}

// BulkResult reports the per-item outcome of a bulk upsert.
type BulkResult struct {
	Upserted int
	Failed   []ItemFailure
}

// PBStore holds one personal best per (chart, user).
type PBStore interface {
	// BulkUpsert inserts or replaces every document by (ChartID, UserID).
	// Items are independent: a failing item is reported in BulkResult.Failed
	// while the others commit. Existing rank fields are kept, new documents
	// have none. The error is non-nil only when the whole operation failed.
	BulkUpsert(ctx context.Context, docs []model.PBDocument) (BulkResult, error)

	// ListChart returns every PB on chartID in no particular order.
	ListChart(ctx context.Context, chartID string) ([]model.PBDocument, error)

	// UpdateRank sets only the rank fields of one document.
	UpdateRank(ctx context.Context, chartID, userID string, rank, outOf int) error

	// Get returns one PB or ErrNotFound.
	Get(ctx context.Context, chartID, userID string) (model.PBDocument, error)
}

// Stats summarizes store contents.
type Stats struct {
	Scores int `json:"scores"`
	PBs    int `json:"pbs"`
	Charts int `json:"charts"`
}

// Store is a complete storage driver.
type Store interface {
	ScoreStore
	ScoreWriter
	PBStore

	// Stats returns content counts.
	Stats(ctx context.Context) (Stats, error)
	// Driver names the backend for logs and metrics.
	Driver() string
	// Close releases connections.
	Close() error
}
